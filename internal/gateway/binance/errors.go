package binance

import (
	"context"
	"errors"
	"fmt"

	"github.com/adshao/go-binance/v2/common"

	"perpagent/internal/gateway/exchange"
)

// classify 把 SDK 错误映射到 exchange 错误类别。未知错误按瞬时处理，交给执行器重试。
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: binance %s: code=%d msg=%s", kindOf(apiErr.Code), op, apiErr.Code, apiErr.Message)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("binance %s: %w", op, err)
	}
	// 网络错误、超时与非 JSON 响应
	return fmt.Errorf("%w: binance %s: %v", exchange.ErrTransient, op, err)
}

func kindOf(code int64) error {
	switch code {
	case -2010, // new order rejected
		-2019, // margin is insufficient
		-4164, // notional too small
		-1111, // precision over maximum
		-2022, // reduce-only rejected
		-1013, // filter failure
		-4003: // quantity less than zero
		return exchange.ErrRejected
	case -2014, -2015, -1022:
		return exchange.ErrAuth
	case -2013, -2011:
		return exchange.ErrOrderNotFound
	default:
		// -1001 断连、-1003 限频、-1021 时间戳漂移、5xx 无 code
		return exchange.ErrTransient
	}
}
