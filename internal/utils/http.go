package utils

import (
	"net/http"
	"strings"

	"github.com/realclientip/realclientip-go"
)

type HttpRes struct {
	Message    string `json:"message,omitempty" example:"Unauthorized: missing identity token"`
	StatusCode int    `json:"statusCode,omitempty" example:"401"`
}

func HttpResError(errMsg string, statusCode int) (int, HttpRes) {
	return statusCode, HttpRes{
		Message:    errMsg,
		StatusCode: statusCode,
	}
}

// RealIPExtractor resolves the client address behind trusted proxies. It is
// the identity used by the connection and rate limiters.
type RealIPExtractor struct {
	strategy realclientip.RightmostTrustedRangeStrategy
}

func NewRealIPExtractor(trustedRanges []string) (*RealIPExtractor, error) {
	ipNets, err := realclientip.AddressesAndRangesToIPNets(trustedRanges...)
	if err != nil {
		return nil, err
	}

	strategy, err := realclientip.NewRightmostTrustedRangeStrategy("X-Forwarded-For", ipNets)
	if err != nil {
		return nil, err
	}

	return &RealIPExtractor{strategy: strategy}, nil
}

var remoteAddrStrategy = realclientip.RemoteAddrStrategy{}

func (e *RealIPExtractor) Extract(request *http.Request) string {
	remoteAddr := remoteAddrStrategy.ClientIP(nil, request.RemoteAddr)
	forwarded := request.Header.Get("X-Forwarded-For")
	if remoteAddr == "" || forwarded == "" {
		return remoteAddr
	}

	// The direct peer is the last hop of the chain.
	headers := request.Header.Clone()
	headers.Set("X-Forwarded-For", strings.Join([]string{forwarded, remoteAddr}, ", "))

	if ip := e.strategy.ClientIP(headers, ""); ip != "" {
		return ip
	}
	return remoteAddr
}
