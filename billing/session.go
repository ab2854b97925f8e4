package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/code-payments/flipchat-billing/iap"
	"github.com/code-payments/flipchat-billing/iap/rsa"
)

// Session coordinates all billing operations for one package. At most one
// operation holds the session at a time; a second one is rejected with
// ErrAsyncInProgress rather than queued.
type Session struct {
	log         *zap.Logger
	packageName string
	verifier    iap.Verifier
	connector   Connector
	runner      Runner
	metrics     *metrics
	events      *EventBus

	mu             sync.Mutex
	state          State
	inFlight       Operation
	svc            RemoteService
	inAppSupported bool
	subsSupported  bool
	pending        *pendingPurchase
}

type pendingPurchase struct {
	token      RequestToken
	sku        string
	itemType   iap.ItemType
	onFinished PurchaseFinishedFunc
}

// NewSession creates a session that verifies receipts with verifier.
func NewSession(packageName string, verifier iap.Verifier, connector Connector, opts ...Option) (*Session, error) {
	if packageName == "" {
		return nil, fmt.Errorf("%w: package name is empty", ErrInvalidArgument)
	}
	if verifier == nil {
		return nil, fmt.Errorf("%w: verifier is nil", ErrInvalidArgument)
	}
	if connector == nil {
		return nil, fmt.Errorf("%w: connector is nil", ErrInvalidArgument)
	}

	o := ApplyOptions(opts...)
	m, err := newMetrics(o.Registerer)
	if err != nil {
		return nil, err
	}
	return &Session{
		log:         o.Log.With(zap.String("package", packageName)),
		packageName: packageName,
		verifier:    verifier,
		connector:   connector,
		runner:      o.Runner,
		metrics:     m,
		events:      o.Events,
		state:       StateUninitialized,
	}, nil
}

// NewSessionWithKey creates a session verifying receipts against a base64
// encoded RSA public key. An unusable key fails construction.
func NewSessionWithKey(packageName, base64PublicKey string, connector Connector, opts ...Option) (*Session, error) {
	verifier, err := rsa.NewVerifier(base64PublicKey)
	if err != nil {
		return nil, err
	}
	return NewSession(packageName, verifier, connector, opts...)
}

func (s *Session) PackageName() string { return s.packageName }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsDisposed() bool { return s.State() == StateDisposed }

// InFlight reports the operation currently holding the session.
func (s *Session) InFlight() Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

func (s *Session) InAppSupported() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inAppSupported
}

func (s *Session) SubscriptionsSupported() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subsSupported
}

// Connect binds to the remote service and probes in-app and subscription
// support. The returned Result is OK, ServiceNotAvailable when the platform
// has no billing service, or the in-app support code otherwise. A transport
// failure during the handshake leaves the session Connecting.
func (s *Session) Connect(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: can't connect", ErrDisposed)
	}
	if s.state != StateUninitialized {
		s.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	if err := s.acquireLocked(OperationConnect); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.state = StateConnecting
	s.mu.Unlock()

	defer s.release(OperationConnect)

	log := s.log.With(zap.String("operation", OperationConnect.String()))
	log.Debug("Connecting to billing service")

	svc, err := s.connector.Connect(ctx)
	if errors.Is(err, ErrServiceNotFound) || (err == nil && svc == nil) {
		log.Warn("Billing service not available on this platform")
		res := NewResult(ServiceNotAvailable, "Billing service unavailable on device.")
		if !s.finishConnect(nil, false, false) {
			return nil, fmt.Errorf("%w: disposed while connecting", ErrDisposed)
		}
		s.record(OperationConnect, res, Event{Kind: EventConnected})
		return res, nil
	}
	if err != nil {
		log.Error("Failed to connect to billing service", zap.Error(err))
		res := NewResult(RemoteTransportFailure, "RemoteException while setting up in-app billing.")
		s.record(OperationConnect, res, Event{Kind: EventConnected})
		return res, nil
	}

	inAppCode, err := svc.IsBillingSupported(ctx, APIVersion, s.packageName, iap.ItemTypeInApp.String())
	if err != nil {
		return s.abortConnect(log, svc, err), nil
	}
	subsCode, err := svc.IsBillingSupported(ctx, APIVersion, s.packageName, iap.ItemTypeSubscription.String())
	if err != nil {
		return s.abortConnect(log, svc, err), nil
	}

	inApp := inAppCode == int(OK)
	subs := subsCode == int(OK)
	log.Debug("Billing support probed",
		zap.Int("inapp_code", inAppCode),
		zap.Int("subs_code", subsCode),
	)

	if !s.finishConnect(svc, inApp, subs) {
		closeService(log, svc)
		return nil, fmt.Errorf("%w: disposed while connecting", ErrDisposed)
	}

	res := NewResult(OK, "Setup successful.")
	if !inApp {
		res = NewResult(ResponseFromCode(inAppCode), "Error checking for billing v3 support.")
		log.Warn("In-app billing not supported", zap.Stringer("response", res.Response))
	}
	s.record(OperationConnect, res, Event{Kind: EventConnected})
	return res, nil
}

func (s *Session) abortConnect(log *zap.Logger, svc RemoteService, err error) *Result {
	log.Error("Remote failure while probing billing support", zap.Error(err))
	s.mu.Lock()
	// Keep the service so Dispose can release it.
	if s.state == StateConnecting {
		s.svc = svc
	}
	s.mu.Unlock()

	res := NewResult(RemoteTransportFailure, "RemoteException while setting up in-app billing.")
	s.record(OperationConnect, res, Event{Kind: EventConnected})
	return res
}

func (s *Session) finishConnect(svc RemoteService, inApp, subs bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDisposed {
		return false
	}
	s.svc = svc
	s.inAppSupported = inApp
	s.subsSupported = subs
	s.state = StateReady
	return true
}

// Dispose releases the remote service. Any pending purchase is abandoned and
// callbacks of outstanding asynchronous operations are suppressed.
func (s *Session) Dispose() error {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	svc := s.svc
	s.state = StateDisposed
	s.svc = nil
	s.inAppSupported = false
	s.subsSupported = false
	s.pending = nil
	if s.inFlight != OperationNone {
		s.metrics.inFlight.Dec()
		s.inFlight = OperationNone
	}
	s.mu.Unlock()

	s.log.Debug("Disposing billing session")
	if svc != nil {
		closeService(s.log, svc)
	}
	s.publish(Event{Kind: EventDisposed})
	return nil
}

func closeService(log *zap.Logger, svc RemoteService) {
	closer, ok := svc.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		log.Warn("Failed to close billing service", zap.Error(err))
	}
}

// begin checks the session is usable and takes the single-flight guard. It
// returns the bound service, which is nil when the platform has no billing
// service.
func (s *Session) begin(op Operation) (RemoteService, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDisposed {
		return nil, false, fmt.Errorf("%w: can't perform operation: %s", ErrDisposed, op)
	}
	if s.state != StateReady {
		return nil, false, fmt.Errorf("%w: can't perform operation: %s", ErrNotReady, op)
	}
	if err := s.acquireLocked(op); err != nil {
		return nil, false, err
	}
	return s.svc, s.subsSupported, nil
}

func (s *Session) acquireLocked(op Operation) error {
	if s.inFlight != OperationNone {
		return fmt.Errorf("%w: can't start %s because %s is in progress", ErrAsyncInProgress, op, s.inFlight)
	}
	s.inFlight = op
	s.metrics.inFlight.Inc()
	s.log.Debug("Starting operation", zap.Stringer("operation", op))
	return nil
}

func (s *Session) release(op Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(op)
}

func (s *Session) releaseLocked(op Operation) {
	if s.inFlight != op {
		return
	}
	s.inFlight = OperationNone
	s.metrics.inFlight.Dec()
	s.log.Debug("Ending operation", zap.Stringer("operation", op))
}

// runAsync submits work and releases op before delivering its result. The
// callback is skipped if the handle was cancelled or the session disposed.
func (s *Session) runAsync(op Operation, work func(), deliver func()) *AsyncHandle {
	h := newAsyncHandle(op)
	s.runner.Run(work, func() {
		defer close(h.done)

		s.release(op)
		if h.Cancelled() {
			s.log.Debug("Dropping result of cancelled operation", zap.Stringer("operation", op))
			return
		}
		if s.IsDisposed() {
			s.log.Debug("Dropping result of operation after dispose", zap.Stringer("operation", op))
			return
		}
		deliver()
	})
	return h
}

func (s *Session) record(op Operation, res *Result, e Event) {
	r := OK
	if res != nil {
		r = res.Response
	}
	s.metrics.observe(op, r)

	e.Response = r
	s.publish(e)
}

func (s *Session) publish(e Event) {
	if s.events == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if err := s.events.OnEvent(s.packageName, e); err != nil {
		s.log.Debug("Failed to publish billing event", zap.Stringer("event", e.Kind), zap.Error(err))
	}
}
