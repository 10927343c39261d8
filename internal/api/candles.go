// Package api declares the CandleService gRPC API.
//
// Messages are plain Go structs carried by a JSON codec, so clients must call
// with the "json" content-subtype. NewCandleServiceClient does this for them.
package api

import (
	"context"

	"github.com/cs-darshan/binance-data-collector/internal/model"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ServiceName         = "candles.CandleService"
	SubscribeFullMethod = "/" + ServiceName + "/Subscribe"
)

// SubscriptionRequest selects the pairs a client wants candles for.
type SubscriptionRequest struct {
	Symbols []string `json:"symbols"`
}

// Candle is the wire form of a finalized candle. Decimals are sent as strings
// to keep their exact value.
type Candle struct {
	Symbol              string `json:"symbol"`
	StartTimestamp      int64  `json:"start_timestamp"` // Unix ms
	EndTimestamp        int64  `json:"end_timestamp"`   // Unix ms, exclusive
	Open                string `json:"open"`
	High                string `json:"high"`
	Low                 string `json:"low"`
	Close               string `json:"close"`
	Volume              string `json:"volume"`
	BuyersVolume        string `json:"buyers_volume"`
	SellersVolume       string `json:"sellers_volume"`
	NumBuyers           int    `json:"num_buyers"`
	NumSellers          int    `json:"num_sellers"`
	PowerPosition       int    `json:"power_position"`
	MaxBuyersPerSecond  int    `json:"max_buyers_per_second"`
	MaxSellersPerSecond int    `json:"max_sellers_per_second"`
	TradeCount          int    `json:"trade_count"`
	Closure             string `json:"closure"`
}

// FromModel converts a finalized candle to its wire form.
func FromModel(c model.Candle) *Candle {
	return &Candle{
		Symbol:              c.Pair,
		StartTimestamp:      c.StartTime.UnixMilli(),
		EndTimestamp:        c.EndTime().UnixMilli(),
		Open:                c.Open.String(),
		High:                c.High.String(),
		Low:                 c.Low.String(),
		Close:               c.Close.String(),
		Volume:              c.Volume.String(),
		BuyersVolume:        c.BuyerVolume.String(),
		SellersVolume:       c.SellerVolume.String(),
		NumBuyers:           c.NumBuyerTrades,
		NumSellers:          c.NumSellerTrades,
		PowerPosition:       c.PowerPosition,
		MaxBuyersPerSecond:  c.MaxBuyersPerSecond,
		MaxSellersPerSecond: c.MaxSellersPerSecond,
		TradeCount:          c.TradeCount,
		Closure:             c.Closure.String(),
	}
}

// CandleServiceServer is the server API for CandleService.
type CandleServiceServer interface {
	// Subscribe streams candles of the requested pairs until the client
	// disconnects or the service stops.
	Subscribe(*SubscriptionRequest, CandleService_SubscribeServer) error
}

// UnimplementedCandleServiceServer can be embedded to satisfy
// CandleServiceServer.
type UnimplementedCandleServiceServer struct{}

func (UnimplementedCandleServiceServer) Subscribe(*SubscriptionRequest, CandleService_SubscribeServer) error {
	return status.Error(codes.Unimplemented, "method Subscribe not implemented")
}

// CandleService_SubscribeServer is the server side of a Subscribe stream.
type CandleService_SubscribeServer interface {
	Send(*Candle) error
	grpc.ServerStream
}

type candleServiceSubscribeServer struct {
	grpc.ServerStream
}

func (x *candleServiceSubscribeServer) Send(m *Candle) error {
	return x.ServerStream.SendMsg(m)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	m := new(SubscriptionRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(CandleServiceServer).Subscribe(m, &candleServiceSubscribeServer{stream})
}

// CandleServiceDesc describes CandleService for grpc.Server.RegisterService.
var CandleServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CandleServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
}

// RegisterCandleServiceServer registers srv on s.
func RegisterCandleServiceServer(s grpc.ServiceRegistrar, srv CandleServiceServer) {
	s.RegisterService(&CandleServiceDesc, srv)
}

// CandleServiceClient is the client API for CandleService.
type CandleServiceClient interface {
	Subscribe(ctx context.Context, in *SubscriptionRequest, opts ...grpc.CallOption) (CandleService_SubscribeClient, error)
}

type candleServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewCandleServiceClient returns a client that talks to CandleService over cc.
func NewCandleServiceClient(cc grpc.ClientConnInterface) CandleServiceClient {
	return &candleServiceClient{cc: cc}
}

func (c *candleServiceClient) Subscribe(ctx context.Context, in *SubscriptionRequest, opts ...grpc.CallOption) (CandleService_SubscribeClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &CandleServiceDesc.Streams[0], SubscribeFullMethod, opts...)
	if err != nil {
		return nil, err
	}

	x := &candleServiceSubscribeClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// CandleService_SubscribeClient is the client side of a Subscribe stream.
type CandleService_SubscribeClient interface {
	Recv() (*Candle, error)
	grpc.ClientStream
}

type candleServiceSubscribeClient struct {
	grpc.ClientStream
}

func (x *candleServiceSubscribeClient) Recv() (*Candle, error) {
	m := new(Candle)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
