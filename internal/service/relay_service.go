package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/CzarSimon/httputil"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/pion/webrtc/v3"
	"github.com/rtcheap/consult-manager/internal/models"
	"github.com/rtcheap/dto"
	"github.com/rtcheap/service-clients/go/serviceregistry"
	"github.com/rtcheap/service-clients/go/turnserver"
	"go.uber.org/zap"
)

// TurnApplication service registry application name of relay servers.
const TurnApplication = "turn-server"

// RelayService hands out ICE servers for peer channels, picking the least loaded relay.
type RelayService struct {
	TurnRPCProtocol string
	RelayPort       int
	RegistryClient  serviceregistry.Client
	TurnClient      turnserver.Client
}

// Offer returns the ICE configuration participants of a room should use.
func (s *RelayService) Offer(ctx context.Context, roomID string) (models.RoomOffer, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.RelayService.Offer")
	defer span.Finish()

	services, err := s.RegistryClient.FindByApplication(ctx, TurnApplication, true)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return models.RoomOffer{}, httputil.BadGatewayError(err)
	}

	best, err := s.findBestTurnServer(ctx, services)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return models.RoomOffer{}, err
	}

	relay := fmt.Sprintf("%s:%d", best.Location, s.RelayPort)
	span.LogFields(tracelog.Bool("success", true), tracelog.String("relay", relay))
	return models.RoomOffer{
		RoomID: roomID,
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:" + relay}},
			{URLs: []string{"turn:" + relay}},
		},
	}, nil
}

func (s *RelayService) findBestTurnServer(ctx context.Context, services []dto.Service) (dto.Service, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.RelayService.findBestTurnServer")
	defer span.Finish()

	connections := make([]uint64, len(services))
	wg := sync.WaitGroup{}

	for i := range services {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			svc := services[idx]
			url := fmt.Sprintf("%s://%s:%d", s.TurnRPCProtocol, svc.Location, svc.Port)
			stats, err := s.TurnClient.GetStatistics(ctx, url)
			if err != nil {
				log.Warn("failed to gather statistics from "+url, zap.Error(err))
				connections[idx] = math.MaxUint64
			} else {
				connections[idx] = stats.InProgress()
			}
		}(i)
	}
	wg.Wait()

	var best dto.Service
	var least uint64 = math.MaxUint64
	for i, conns := range connections {
		if conns < least {
			least = conns
			best = services[i]
		}
	}

	if best.ID == "" {
		err := httputil.BadGatewayError(errors.New("no healthy turn-server found"))
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return dto.Service{}, err
	}

	span.LogFields(tracelog.Bool("success", true))
	return best, nil
}
