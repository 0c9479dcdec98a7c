package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/CzarSimon/httputil"
	"github.com/CzarSimon/httputil/client"
	"github.com/CzarSimon/httputil/client/rpc"
	"github.com/CzarSimon/httputil/id"
	"github.com/CzarSimon/httputil/jwt"
	"github.com/rtcheap/consult-manager/internal/service"
	"github.com/rtcheap/dto"
	"github.com/rtcheap/service-clients/go/serviceregistry"
	"github.com/rtcheap/service-clients/go/turnserver"
	"github.com/stretchr/testify/assert"
)

const registryURL = "http://service-registry:8080"

func TestRelayOffer_PicksLeastLoadedTurnServer(t *testing.T) {
	assert := assert.New(t)

	s := createRelayService(map[string]rpc.MockResponse{
		"GET:" + registryURL + "/v1/services?application=turn-server&only-healthy=true": {
			Body: []dto.Service{
				turnService("turn-1"),
				turnService("turn-2"),
				turnService("turn-3"),
			},
		},
	}, map[string]rpc.MockResponse{
		"GET:http://turn-1:8080/v1/sessions/statistics": {
			Body: dto.SessionStatistics{Started: 150, Ended: 50},
		},
		"GET:http://turn-2:8080/v1/sessions/statistics": {
			Body: dto.SessionStatistics{Started: 100, Ended: 50},
		},
		"GET:http://turn-3:8080/v1/sessions/statistics": {
			Err: httputil.ServiceUnavailableError(nil),
		},
	})

	offer, err := s.Offer(context.Background(), "DENTAL-RELAY234")
	assert.NoError(err)
	assert.Equal("DENTAL-RELAY234", offer.RoomID)
	assert.Len(offer.ICEServers, 2)
	assert.Equal([]string{"stun:turn-2:3478"}, offer.ICEServers[0].URLs)
	assert.Equal([]string{"turn:turn-2:3478"}, offer.ICEServers[1].URLs)
}

func TestRelayOffer_BadGateway(t *testing.T) {
	assert := assert.New(t)

	s := createRelayService(map[string]rpc.MockResponse{
		"GET:" + registryURL + "/v1/services?application=turn-server&only-healthy=true": {
			Err: httputil.InternalServerError(nil),
		},
	}, map[string]rpc.MockResponse{})

	_, err := s.Offer(context.Background(), "DENTAL-RELAY234")
	var httpErr *httputil.Error
	assert.Error(err)
	assert.True(errors.As(err, &httpErr))
}

func TestRelayOffer_NoHealthyServer(t *testing.T) {
	assert := assert.New(t)

	s := createRelayService(map[string]rpc.MockResponse{
		"GET:" + registryURL + "/v1/services?application=turn-server&only-healthy=true": {
			Body: []dto.Service{turnService("turn-1")},
		},
	}, map[string]rpc.MockResponse{
		"GET:http://turn-1:8080/v1/sessions/statistics": {
			Err: httputil.ServiceUnavailableError(nil),
		},
	})

	_, err := s.Offer(context.Background(), "DENTAL-RELAY234")
	var httpErr *httputil.Error
	assert.Error(err)
	assert.True(errors.As(err, &httpErr))
}

func createRelayService(registry, turn map[string]rpc.MockResponse) *service.RelayService {
	return &service.RelayService{
		TurnRPCProtocol: "http",
		RelayPort:       3478,
		RegistryClient:  serviceregistry.NewClient(MockClient(registryURL, jwt.SystemRole, registry)),
		TurnClient:      turnserver.NewClient(MockClient("", jwt.SystemRole, turn)),
	}
}

func turnService(location string) dto.Service {
	return dto.Service{
		ID:          id.New(),
		Application: service.TurnApplication,
		Location:    location,
		Port:        8080,
		Status:      dto.StatusHealty,
	}
}

func MockClient(baseURL, role string, reponses map[string]rpc.MockResponse) client.Client {
	c := client.Client{
		RPCClient: &rpc.MockClient{
			Client:    rpc.NewClient(time.Second),
			Responses: reponses,
		},
		Issuer: jwt.NewIssuer(jwt.Credentials{
			Issuer: "consult-manager-test",
			Secret: "very-secret-secret",
		}),
		BaseURL:   baseURL,
		Role:      role,
		UserAgent: "mockClient",
	}

	return c
}
