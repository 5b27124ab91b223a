// README: Dispatch service runs the expanding-radius driver search for a trip.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"ridelink/internal/config"
	"ridelink/internal/logging"
	"ridelink/internal/modules/location"
	"ridelink/internal/modules/trip"
	"ridelink/internal/observability"
	"ridelink/internal/realtime"
	"ridelink/internal/types"
)

// cleanupTimeout bounds the writes made after the search context is gone.
const cleanupTimeout = 5 * time.Second

type Trips interface {
	Get(ctx context.Context, id types.ID) (*trip.Trip, error)
	Bind(ctx context.Context, tripID, driverID types.ID) error
	CancelSearch(ctx context.Context, tripID types.ID, reason string) error
}

type Candidates interface {
	FindCandidates(ctx context.Context, pickup types.Point, radiusKm float64, f location.Filter) []location.Candidate
	DeviceToken(ctx context.Context, driverID types.ID) (string, error)
}

// Messenger delivers realtime messages to connected users.
type Messenger interface {
	SendToUser(userID types.ID, msg realtime.Message) error
}

type Pusher interface {
	NotifyTripOffer(ctx context.Context, deviceToken string, info location.OfferInfo) error
}

// ContactStore remembers which drivers were offered a trip across restarts.
type ContactStore interface {
	MarkContacted(ctx context.Context, tripID, driverID types.ID) (bool, error)
	WasContacted(ctx context.Context, tripID, driverID types.ID) (bool, error)
	Contacted(ctx context.Context, tripID types.ID) ([]types.ID, error)
}

type Deps struct {
	Trips      Trips
	Candidates Candidates
	Messenger  Messenger
	Pusher     Pusher
	Contacts   ContactStore
	Config     config.DispatchConfig
	Log        logrus.FieldLogger
}

type Service struct {
	trips      Trips
	candidates Candidates
	messenger  Messenger
	pusher     Pusher
	contacts   ContactStore
	cfg        config.DispatchConfig
	log        logrus.FieldLogger

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	searches map[types.ID]*search
	now      func() time.Time
}

// search is the in-process state of one running search.
type search struct {
	cancel  context.CancelFunc
	aborted atomic.Bool

	mu      sync.Mutex
	waiters map[types.ID]chan bool
	offered map[types.ID]bool
	winner  types.ID
}

func NewService(d Deps) *Service {
	base, stop := context.WithCancel(context.Background())
	return &Service{
		trips:      d.Trips,
		candidates: d.Candidates,
		messenger:  d.Messenger,
		pusher:     d.Pusher,
		contacts:   d.Contacts,
		cfg:        d.Config,
		log:        logging.OrDiscard(d.Log).WithField("component", "dispatch"),
		base:       base,
		stop:       stop,
		searches:   make(map[types.ID]*search),
		now:        time.Now,
	}
}

// Start runs the search for tripID in the background.
func (s *Service) Start(tripID types.ID) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		out := s.Run(s.base, tripID)
		s.log.WithFields(logrus.Fields{
			"trip_id":   tripID,
			"outcome":   out.Status,
			"driver_id": out.DriverID,
			"radii":     out.Radii,
			"contacted": out.Contacted,
		}).Info("search finished")
	}()
}

// Abort stops a running search without touching the trip.
func (s *Service) Abort(tripID types.ID) {
	if sr := s.lookup(tripID); sr != nil {
		sr.aborted.Store(true)
		sr.cancel()
	}
}

// Shutdown stops all searches and waits for them to return.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run searches for a driver until one is bound, the trip leaves SEARCHING,
// the radius or deadline is exhausted, or ctx is cancelled. It returns only
// after every offer it started has finished.
func (s *Service) Run(ctx context.Context, tripID types.ID) (out Outcome) {
	started := s.now()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SearchDeadline)
	defer cancel()

	sr := &search{
		cancel:  cancel,
		waiters: make(map[types.ID]chan bool),
		offered: make(map[types.ID]bool),
	}
	if !s.register(tripID, sr) {
		return Outcome{Status: OutcomeDuplicate}
	}
	defer s.unregister(tripID, sr)

	log := s.log.WithField("trip_id", tripID)
	contacted := make(map[types.ID]bool)
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("search crashed")
			s.failsafe(ctx, tripID)
			out.Status = OutcomeFailed
		}
		out.Contacted = len(contacted)
		observability.DispatchSearches.WithLabelValues(string(out.Status)).Inc()
		observability.DispatchSearchDuration.Observe(s.now().Sub(started).Seconds())
		if n := len(out.Radii); n > 0 {
			observability.DispatchRadiusKm.Observe(out.Radii[n-1])
		}
	}()

	for radius := s.cfg.InitialRadiusKm; radius <= s.cfg.MaxRadiusKm && ctx.Err() == nil; radius += s.cfg.RadiusStepKm {
		t, err := s.trips.Get(ctx, tripID)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.WithError(err).Error("load trip failed")
			s.failsafe(ctx, tripID)
			out.Status = OutcomeFailed
			return out
		}
		if t.Status != trip.StatusSearching {
			out.Status = OutcomeAborted
			return out
		}

		out.Radii = append(out.Radii, radius)
		log.WithField("radius_km", radius).Debug("searching radius")
		winner, stop := s.searchRadius(ctx, sr, t, radius, contacted)
		if winner != "" {
			out.Status = OutcomeMatched
			out.DriverID = winner
			return out
		}
		if stop {
			break
		}
	}

	if w := sr.lateWinner(); w != "" {
		out.Status = OutcomeMatched
		out.DriverID = w
		return out
	}
	if sr.aborted.Load() {
		out.Status = OutcomeAborted
		return out
	}

	reason, status := NoDriversReason, OutcomeExhausted
	if errors.Is(ctx.Err(), context.Canceled) {
		// The caller went away before the deadline.
		reason, status = failureReason, OutcomeFailed
	}
	out.Status = s.giveUp(ctx, tripID, reason, status)
	return out
}

// giveUp cancels a trip that is still searching. If the trip moved on in the
// meantime the outcome reflects that instead.
func (s *Service) giveUp(ctx context.Context, tripID types.ID, reason string, status OutcomeStatus) OutcomeStatus {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	err := s.trips.CancelSearch(cctx, tripID, reason)
	if err == nil {
		return status
	}
	if errors.Is(err, trip.ErrInvalidState) || errors.Is(err, trip.ErrConflict) {
		if t, gerr := s.trips.Get(cctx, tripID); gerr == nil && t.Status == trip.StatusAccepted {
			return OutcomeMatched
		}
		return OutcomeAborted
	}
	s.log.WithError(err).WithField("trip_id", tripID).Error("cancel exhausted search failed")
	return OutcomeFailed
}

func (s *Service) failsafe(ctx context.Context, tripID types.ID) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.trips.CancelSearch(cctx, tripID, failureReason); err != nil && !errors.Is(err, trip.ErrInvalidState) {
		s.log.WithError(err).WithField("trip_id", tripID).Error("failsafe cancel failed")
	}
}

// searchRadius runs one radius iteration. It returns the bound driver, or
// stop=true when the trip can no longer be matched. A radius without fresh
// candidates hands over to the next one at once; only the outermost radius
// keeps polling the index until its budget runs out.
func (s *Service) searchRadius(ctx context.Context, sr *search, t *trip.Trip, radius float64, contacted map[types.ID]bool) (types.ID, bool) {
	var wg sync.WaitGroup
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RadiusBudget)
	defer func() {
		cancel()
		wg.Wait()
	}()

	results := make(chan response)
	filter := location.Filter{Class: t.Class, RequiresCarrier: t.Carrier}
	offered := make(map[types.ID]location.Candidate)

	outermost := radius+s.cfg.RadiusStepKm > s.cfg.MaxRadiusKm
	poll := time.NewTimer(0)
	defer poll.Stop()
	for len(offered) == 0 {
		select {
		case <-rctx.Done():
			return "", false
		case <-poll.C:
		}
		for _, c := range s.candidates.FindCandidates(rctx, t.Pickup.Point, radius, filter) {
			if !s.claim(rctx, sr, t.ID, c.DriverID, contacted) {
				continue
			}
			offered[c.DriverID] = c
			waiter := sr.addWaiter(c.DriverID)
			wg.Add(1)
			go s.offer(rctx, &wg, sr, t, c, waiter, results)
		}
		if len(offered) == 0 && !outermost {
			return "", false
		}
		poll.Reset(s.cfg.PollInterval)
	}

	for pending := len(offered); pending > 0; {
		select {
		case <-rctx.Done():
			return "", false
		case r := <-results:
			pending--
			if !r.accepted {
				continue
			}
			err := s.trips.Bind(ctx, t.ID, r.driverID)
			if err == nil {
				s.announce(t, offered[r.driverID], sr.offeredIDs())
				return r.driverID, false
			}
			observability.DispatchBindConflicts.Inc()
			s.unavailable(t.ID, r.driverID)
			if errors.Is(err, trip.ErrInvalidState) {
				return "", true
			}
			s.log.WithError(err).WithFields(logrus.Fields{"trip_id": t.ID, "driver_id": r.driverID}).
				Warn("bind failed; treating accept as rejection")
		}
	}
	return "", false
}

// claim marks the driver contacted; false means they were offered this trip before.
func (s *Service) claim(ctx context.Context, sr *search, tripID, driverID types.ID, contacted map[types.ID]bool) bool {
	if contacted[driverID] {
		return false
	}
	contacted[driverID] = true
	if s.contacts != nil {
		fresh, err := s.contacts.MarkContacted(ctx, tripID, driverID)
		if err != nil {
			s.log.WithError(err).WithField("driver_id", driverID).Warn("contact record failed")
		} else if !fresh {
			return false
		}
	}
	sr.markOffered(driverID)
	return true
}

// offer delivers the trip to one candidate and reports their answer.
func (s *Service) offer(ctx context.Context, wg *sync.WaitGroup, sr *search, t *trip.Trip, c location.Candidate, waiter chan bool, results chan<- response) {
	defer wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).WithField("driver_id", c.DriverID).Error("offer crashed")
			sr.removeWaiter(c.DriverID)
		}
	}()

	r := response{driverID: c.DriverID}
	if !s.deliver(ctx, t, c) {
		sr.removeWaiter(c.DriverID)
		observability.DispatchOffers.WithLabelValues("undeliverable").Inc()
	} else {
		timer := time.NewTimer(s.cfg.CandidateTimeout)
		defer timer.Stop()
		select {
		case r.accepted = <-waiter:
		case <-timer.C:
			r.timedOut = true
		case <-ctx.Done():
			sr.removeWaiter(c.DriverID)
			return
		}
		sr.removeWaiter(c.DriverID)
		// An answer may have raced the timer.
		if r.timedOut {
			select {
			case r.accepted = <-waiter:
				r.timedOut = false
			default:
			}
		}
		observability.DispatchOffers.WithLabelValues(r.label()).Inc()
	}

	select {
	case results <- r:
	case <-ctx.Done():
	}
}

func (r response) label() string {
	switch {
	case r.timedOut:
		return "timeout"
	case r.accepted:
		return "accepted"
	default:
		return "rejected"
	}
}

// deliver sends the offer over the live connection and by push. It reports
// whether either channel took it.
func (s *Service) deliver(ctx context.Context, t *trip.Trip, c location.Candidate) bool {
	delivered := false
	log := s.log.WithFields(logrus.Fields{"trip_id": t.ID, "driver_id": c.DriverID})
	if s.messenger != nil {
		err := s.messenger.SendToUser(c.DriverID, realtime.Message{
			Type:   realtime.TypeTripOffer,
			TripID: t.ID,
			Data:   s.offerData(t, c),
		})
		if err == nil {
			delivered = true
		} else {
			log.WithError(err).Debug("realtime offer not delivered")
		}
	}
	if s.pusher != nil {
		token, err := s.candidates.DeviceToken(ctx, c.DriverID)
		if err == nil && token != "" {
			err = s.pusher.NotifyTripOffer(ctx, token, location.OfferInfo{
				TripID:      t.ID,
				Pickup:      t.Pickup,
				Drop:        t.Drop,
				Fare:        t.QuotedFare,
				DistanceKm:  c.RankKm(),
				PaymentMode: string(t.PaymentMode),
			})
			if err == nil {
				delivered = true
			}
		}
		if err != nil {
			log.WithError(err).Debug("push offer not delivered")
		}
	}
	return delivered
}

func (s *Service) offerData(t *trip.Trip, c location.Candidate) map[string]any {
	return map[string]any{
		"kind":          t.Kind,
		"vehicle_class": t.Class,
		"pickup":        t.Pickup,
		"drop":          t.Drop,
		"fare":          t.QuotedFare,
		"payment_mode":  t.PaymentMode,
		"pickup_km":     c.RankKm(),
		"pickup_min":    c.Road.Minutes,
		"timeout_sec":   int(s.cfg.CandidateTimeout / time.Second),
	}
}

// announce tells the requester and the winner about the match and everyone
// else contacted that the trip is gone.
func (s *Service) announce(t *trip.Trip, winner location.Candidate, contacted []types.ID) {
	if s.messenger == nil {
		return
	}
	for _, id := range contacted {
		if id != winner.DriverID {
			s.unavailable(t.ID, id)
		}
	}
	matched := map[string]any{
		"driver_id":   winner.DriverID,
		"distance_km": winner.RankKm(),
		"eta_min":     winner.Road.Minutes,
	}
	_ = s.messenger.SendToUser(t.RequesterID, realtime.Message{Type: realtime.TypeTripMatched, TripID: t.ID, Data: matched})
	_ = s.messenger.SendToUser(winner.DriverID, realtime.Message{
		Type:   realtime.TypeTripMatched,
		TripID: t.ID,
		Data:   map[string]any{"pickup": t.Pickup, "requester_id": t.RequesterID},
	})
}

func (s *Service) unavailable(tripID, driverID types.ID) {
	if s.messenger == nil {
		return
	}
	_ = s.messenger.SendToUser(driverID, realtime.Message{Type: realtime.TypeTripUnavailable, TripID: tripID})
}

// Respond records a driver's answer to an offer. Answers with no live offer
// are late: an accept still tries to bind, a reject is ignored.
func (s *Service) Respond(ctx context.Context, tripID, driverID types.ID, accepted bool) error {
	sr := s.lookup(tripID)
	if sr != nil && sr.answer(driverID, accepted) {
		return nil
	}

	offered := sr != nil && sr.wasOffered(driverID)
	if !offered && s.contacts != nil {
		ok, err := s.contacts.WasContacted(ctx, tripID, driverID)
		if err != nil {
			return err
		}
		offered = ok
	}
	if !offered {
		return ErrNotOffered
	}
	if !accepted {
		observability.DispatchOffers.WithLabelValues("late_rejected").Inc()
		return nil
	}

	if err := s.trips.Bind(ctx, tripID, driverID); err != nil {
		observability.DispatchBindConflicts.Inc()
		s.unavailable(tripID, driverID)
		return fmt.Errorf("%w: %v", ErrTripUnavailable, err)
	}
	observability.DispatchOffers.WithLabelValues("late_accepted").Inc()

	var others []types.ID
	if sr != nil {
		others = sr.offeredIDs()
		sr.setWinner(driverID)
		sr.cancel()
	} else if s.contacts != nil {
		others, _ = s.contacts.Contacted(ctx, tripID)
	}
	t, err := s.trips.Get(ctx, tripID)
	if err != nil {
		s.log.WithError(err).WithField("trip_id", tripID).Warn("reload after late bind failed")
		return nil
	}
	s.announce(t, location.Candidate{DriverID: driverID}, others)
	return nil
}

func (s *Service) register(tripID types.ID, sr *search) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.searches[tripID]; running {
		return false
	}
	s.searches[tripID] = sr
	return true
}

func (s *Service) unregister(tripID types.ID, sr *search) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.searches[tripID] == sr {
		delete(s.searches, tripID)
	}
}

func (s *Service) lookup(tripID types.ID) *search {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searches[tripID]
}

func (sr *search) addWaiter(driverID types.ID) chan bool {
	ch := make(chan bool, 1)
	sr.mu.Lock()
	sr.waiters[driverID] = ch
	sr.mu.Unlock()
	return ch
}

func (sr *search) removeWaiter(driverID types.ID) {
	sr.mu.Lock()
	delete(sr.waiters, driverID)
	sr.mu.Unlock()
}

// answer hands the response to a live waiter, reporting whether one existed.
func (sr *search) answer(driverID types.ID, accepted bool) bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	ch, ok := sr.waiters[driverID]
	if !ok {
		return false
	}
	select {
	case ch <- accepted:
	default:
	}
	return true
}

func (sr *search) markOffered(driverID types.ID) {
	sr.mu.Lock()
	sr.offered[driverID] = true
	sr.mu.Unlock()
}

func (sr *search) wasOffered(driverID types.ID) bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.offered[driverID]
}

func (sr *search) offeredIDs() []types.ID {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return contactedIDs(sr.offered)
}

func (sr *search) setWinner(driverID types.ID) {
	sr.mu.Lock()
	sr.winner = driverID
	sr.mu.Unlock()
}

func (sr *search) lateWinner() types.ID {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.winner
}

func contactedIDs(m map[types.ID]bool) []types.ID {
	out := make([]types.ID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}
