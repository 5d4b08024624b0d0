package chain

import (
	"context"
	"math/big"
	"reflect"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang/mock/gomock"
)

// MockRPC is a hand-authored gomock-style mock of the RPC port, following
// the same Controller/Call bookkeeping github.com/golang/mock generates,
// since this module does not invoke the mockgen code generator.
type MockRPC struct {
	ctrl     *gomock.Controller
	recorder *MockRPCRecorder
}

// MockRPCRecorder records expected calls for MockRPC.
type MockRPCRecorder struct {
	mock *MockRPC
}

// NewMockRPC constructs a MockRPC bound to the given controller.
func NewMockRPC(ctrl *gomock.Controller) *MockRPC {
	m := &MockRPC{ctrl: ctrl}
	m.recorder = &MockRPCRecorder{m}
	return m
}

// EXPECT returns an object for setting up expectations.
func (m *MockRPC) EXPECT() *MockRPCRecorder { return m.recorder }

func (m *MockRPC) GetCode(ctx context.Context, address common.Address) ([]byte, error) {
	ret := m.ctrl.Call(m, "GetCode", ctx, address)
	code, _ := ret[0].([]byte)
	err, _ := ret[1].(error)
	return code, err
}

func (mr *MockRPCRecorder) GetCode(ctx, address interface{}) *gomock.Call {
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "GetCode", reflect.TypeOf((*MockRPC)(nil).GetCode), ctx, address)
}

func (m *MockRPC) GetBlockNumber(ctx context.Context) (uint64, error) {
	ret := m.ctrl.Call(m, "GetBlockNumber", ctx)
	n, _ := ret[0].(uint64)
	err, _ := ret[1].(error)
	return n, err
}

func (mr *MockRPCRecorder) GetBlockNumber(ctx interface{}) *gomock.Call {
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "GetBlockNumber", reflect.TypeOf((*MockRPC)(nil).GetBlockNumber), ctx)
}

func (m *MockRPC) GetTransactionCount(ctx context.Context, address common.Address, blockTag string) (uint64, error) {
	ret := m.ctrl.Call(m, "GetTransactionCount", ctx, address, blockTag)
	n, _ := ret[0].(uint64)
	err, _ := ret[1].(error)
	return n, err
}

func (mr *MockRPCRecorder) GetTransactionCount(ctx, address, blockTag interface{}) *gomock.Call {
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "GetTransactionCount", reflect.TypeOf((*MockRPC)(nil).GetTransactionCount), ctx, address, blockTag)
}

func (m *MockRPC) GetGasPrice(ctx context.Context) (*big.Int, error) {
	ret := m.ctrl.Call(m, "GetGasPrice", ctx)
	p, _ := ret[0].(*big.Int)
	err, _ := ret[1].(error)
	return p, err
}

func (mr *MockRPCRecorder) GetGasPrice(ctx interface{}) *gomock.Call {
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "GetGasPrice", reflect.TypeOf((*MockRPC)(nil).GetGasPrice), ctx)
}

func (m *MockRPC) GetNetwork(ctx context.Context) (*big.Int, error) {
	ret := m.ctrl.Call(m, "GetNetwork", ctx)
	id, _ := ret[0].(*big.Int)
	err, _ := ret[1].(error)
	return id, err
}

func (mr *MockRPCRecorder) GetNetwork(ctx interface{}) *gomock.Call {
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "GetNetwork", reflect.TypeOf((*MockRPC)(nil).GetNetwork), ctx)
}

func (m *MockRPC) GetBlock(ctx context.Context, blockTag string, fullTx bool) (*Block, error) {
	ret := m.ctrl.Call(m, "GetBlock", ctx, blockTag, fullTx)
	b, _ := ret[0].(*Block)
	err, _ := ret[1].(error)
	return b, err
}

func (mr *MockRPCRecorder) GetBlock(ctx, blockTag, fullTx interface{}) *gomock.Call {
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "GetBlock", reflect.TypeOf((*MockRPC)(nil).GetBlock), ctx, blockTag, fullTx)
}

func (m *MockRPC) SendTransaction(ctx context.Context, tx *SignedTransaction) error {
	ret := m.ctrl.Call(m, "SendTransaction", ctx, tx)
	err, _ := ret[0].(error)
	return err
}

func (mr *MockRPCRecorder) SendTransaction(ctx, tx interface{}) *gomock.Call {
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "SendTransaction", reflect.TypeOf((*MockRPC)(nil).SendTransaction), ctx, tx)
}

func (m *MockRPC) Call(ctx context.Context, contract common.Address, method string, args ...interface{}) ([]byte, error) {
	callArgs := append([]interface{}{ctx, contract, method}, args...)
	ret := m.ctrl.Call(m, "Call", callArgs...)
	b, _ := ret[0].([]byte)
	err, _ := ret[1].(error)
	return b, err
}

func (mr *MockRPCRecorder) Call(ctx, contract, method interface{}, args ...interface{}) *gomock.Call {
	callArgs := append([]interface{}{ctx, contract, method}, args...)
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Call", reflect.TypeOf((*MockRPC)(nil).Call), callArgs...)
}
