package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/mossy-p/call-relay/config"
	"github.com/mossy-p/call-relay/internal/call"
	"github.com/mossy-p/call-relay/internal/logging"
	"github.com/mossy-p/call-relay/internal/models"
	"github.com/mossy-p/call-relay/internal/signaling"
	"github.com/rs/zerolog"
)

var errCallFailed = errors.New("call failed")

func main() {
	cfg, err := config.Load()
	if err != nil {
		fatal := logging.New("info", "development")
		fatal.Fatal().Err(err).Msg("Invalid configuration")
	}

	role := flag.String("role", "caller", "caller or operator")
	id := flag.String("id", "", "participant id (callers only; operators use OPERATOR_ID)")
	name := flag.String("name", "", "display name shown to operators")
	url := flag.String("url", cfg.Client.SignalingURL, "relay WebSocket URL")
	flag.Parse()

	l := logging.New(cfg.LogLevel, cfg.Environment)

	newPeer, err := call.NewPeerFactory(cfg.Client.STUNURLs, l)
	if err != nil {
		l.Fatal().Err(err).Msg("Failed to set up media engine")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := &phone{
		cfg:      cfg,
		log:      l,
		newPeer:  newPeer,
		accepted: make(chan string, 1),
		queue:    make(chan []models.QueueItem, 8),
		lost:     make(chan struct{}, 1),
	}
	p.ctrl = signaling.NewController(signaling.Options{
		URL:                     *url,
		MaxAttempts:             cfg.Client.MaxReconnectAttempts,
		RetryDelay:              cfg.Client.ReconnectDelay,
		Logger:                  l,
		OnConnectionStateChange: p.connectionChanged,
		OnCallAccepted:          p.callAccepted,
		OnQueueUpdate:           p.queueUpdated,
	})
	defer p.ctrl.Disconnect()

	switch *role {
	case "caller":
		if *id == "" {
			l.Fatal().Msg("-id is required for callers")
		}
		err = p.runCaller(ctx, *id, *name)
	case "operator":
		err = p.runOperator(ctx, cfg.OperatorID)
	default:
		l.Fatal().Str("role", *role).Msg("Unknown role")
	}
	if err != nil {
		l.Error().Err(err).Msg("Softphone stopped")
		p.ctrl.Disconnect()
		os.Exit(1)
	}
}

type phone struct {
	cfg     *config.Config
	log     zerolog.Logger
	newPeer call.PeerFactory
	ctrl    *signaling.Controller

	accepted chan string
	queue    chan []models.QueueItem
	lost     chan struct{}
}

func (p *phone) connectionChanged(connected bool) {
	p.log.Info().Bool("connected", connected).Msg("Relay connection changed")
	if !connected && p.ctrl.State() == signaling.Disconnected {
		select {
		case p.lost <- struct{}{}:
		default:
		}
	}
}

func (p *phone) callAccepted(operatorID string) {
	select {
	case p.accepted <- operatorID:
	default:
	}
}

func (p *phone) queueUpdated(items []models.QueueItem) {
	for _, item := range items {
		p.log.Info().
			Str("caller_id", item.CallerID).
			Str("display_name", item.DisplayName).
			Int64("wait_seconds", item.WaitSeconds).
			Msg("Waiting caller")
	}
	select {
	case p.queue <- items:
	default:
	}
}

func (p *phone) runCaller(ctx context.Context, callerID, displayName string) error {
	if err := p.ctrl.Initialize(ctx, callerID); err != nil {
		return err
	}
	if err := p.ctrl.SendCallRequest(displayName); err != nil {
		return err
	}
	p.log.Info().Str("caller_id", callerID).Msg("Call requested, waiting for an operator")

	var operatorID string
	select {
	case <-ctx.Done():
		return nil
	case <-p.lost:
		return signaling.ErrRetriesExhausted
	case operatorID = <-p.accepted:
	}

	session := p.newSession(callerID, operatorID, false)
	if err := session.StartCall(); err != nil {
		return err
	}
	return p.hold(ctx, session)
}

func (p *phone) runOperator(ctx context.Context, operatorID string) error {
	if err := p.ctrl.Initialize(ctx, operatorID); err != nil {
		return err
	}
	if err := p.ctrl.OperatorJoin(); err != nil {
		return err
	}
	p.log.Info().Str("operator_id", operatorID).Msg("Waiting for callers")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.lost:
			return signaling.ErrRetriesExhausted
		case items := <-p.queue:
			if len(items) == 0 {
				continue
			}
			callerID := items[0].CallerID

			// Subscribe before accepting so the caller's offer is not missed.
			session := p.newSession(operatorID, callerID, true)
			if err := p.ctrl.AcceptCall(callerID); err != nil {
				session.EndCall()
				p.log.Warn().Err(err).Str("caller_id", callerID).Msg("Failed to accept call")
				continue
			}
			p.log.Info().Str("caller_id", callerID).Msg("Accepted call")
			if err := p.hold(ctx, session); err != nil {
				p.log.Warn().Err(err).Str("caller_id", callerID).Msg("Call ended with error")
			}
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

// newSession builds a session towards remoteID. Answering sessions give up
// when no offer arrives, e.g. after accepting a caller another operator took.
func (p *phone) newSession(localID, remoteID string, answering bool) *call.Session {
	return call.New(localID, remoteID, p.ctrl, p.newPeer, call.Options{
		Logger:             p.log,
		NegotiationTimeout: p.cfg.Client.NegotiationTimeout,
		AwaitOffer:         answering,
		OnStateChange: func(s call.State) {
			p.log.Info().Stringer("state", s).Str("remote", remoteID).Msg("Call state")
		},
		OnError: func(err error) {
			p.log.Error().Err(err).Str("remote", remoteID).Msg("Call error")
		},
	})
}

// hold keeps the call up until it ends on its own or the user interrupts.
func (p *phone) hold(ctx context.Context, session *call.Session) error {
	select {
	case <-session.Done():
	case <-ctx.Done():
		session.EndCall()
	}
	if session.State() == call.Failed {
		return errCallFailed
	}
	return nil
}
