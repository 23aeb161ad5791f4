// Package receiving implements the receiving-check operations: importing the
// expected tracking codes, scanning goods and keeping the daily dashboard in
// step with every change.
package receiving

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/BearBump/ScanBox/internal/broker/messages"
	"github.com/BearBump/ScanBox/internal/logger"
	"github.com/BearBump/ScanBox/internal/models"
	"github.com/BearBump/ScanBox/internal/services/dashboard"
)

type Repository interface {
	ImportExpected(ctx context.Context, codes []string, clearExisting bool, at time.Time) (models.ImportResult, error)
	// RecordScan looks the code up, inserts a scanned good and promotes a
	// pending expected code to checked in one transaction. A code that was
	// already scanned is returned as Prior and nothing is written.
	RecordScan(ctx context.Context, code string, at, day time.Time) (*models.ScanRecord, error)
	ListExpected(ctx context.Context, status *models.ExpectedStatus) ([]*models.ExpectedCode, error)
	SetExpectedStatus(ctx context.Context, code string, status models.ExpectedStatus) error
	GetScanned(ctx context.Context, code string) (*models.ScannedGood, error)
	SetCarrier(ctx context.Context, code, carrier string) (*models.ScannedGood, error)
	BulkSetCarrier(ctx context.Context, carrier string) ([]*models.ScannedGood, error)
	DeleteExpected(ctx context.Context, code string) error
	DeleteScanned(ctx context.Context, code string) (*models.ScannedWithStatus, error)
	ResetRecords(ctx context.Context) (models.ResetResult, error)
	ListScanned(ctx context.Context, f models.ScannedFilter) ([]models.ScannedWithStatus, error)
	Stats(ctx context.Context) (models.Statistics, error)
}

// Aggregator is the dashboard engine as seen by the scan handler.
type Aggregator interface {
	Bump(ctx context.Context, day time.Time, code string, status *models.ExpectedStatus) (*models.Dashboard, error)
	Recompute(ctx context.Context, day time.Time) (*models.Dashboard, error)
	RecomputeStatuses(ctx context.Context, day time.Time) (*models.Dashboard, error)
	RecomputeCarriers(ctx context.Context, day time.Time) (*models.Dashboard, error)
	Decrement(ctx context.Context, day time.Time, code, carrierLabel string, bucket models.Bucket) (*models.Dashboard, error)
	Get(ctx context.Context, day time.Time) (*models.Dashboard, error)
	Reset(ctx context.Context, day time.Time) (bool, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type ScanOutcome string

const (
	OutcomeSuccess        ScanOutcome = "success"
	OutcomeNotFound       ScanOutcome = "not_found"
	OutcomeAlreadyScanned ScanOutcome = "already_scanned"
)

type ScanResult struct {
	Code           string      `json:"code"`
	Outcome        ScanOutcome `json:"outcome"`
	Detail         string      `json:"detail"`
	ScannedAt      *time.Time  `json:"scanned_at,omitempty"`
	PriorScannedAt *time.Time  `json:"prior_scanned_at,omitempty"`
}

const maxImportCodes = 50_000

type Service struct {
	repo Repository
	agg  Aggregator
	loc  *time.Location
	now  func() time.Time

	pub          Publisher
	scannedTopic string
}

func New(repo Repository, agg Aggregator, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		repo: repo,
		agg:  agg,
		loc:  loc,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// WithPublisher enables scan events on topic. A nil publisher disables them.
func (s *Service) WithPublisher(p Publisher, topic string) *Service {
	s.pub = p
	s.scannedTopic = topic
	return s
}

// Today is the current local day in the configured zone.
func (s *Service) Today() time.Time {
	return models.DayOf(s.now(), s.loc)
}

func (s *Service) ImportExpectedCodes(ctx context.Context, codes []string, clearExisting bool) (models.ImportResult, error) {
	if len(codes) == 0 {
		return models.ImportResult{}, models.NewValidationError("codes", "list of tracking codes is required")
	}
	if len(codes) > maxImportCodes {
		return models.ImportResult{}, models.NewValidationError("codes", "too many codes (max 50000)")
	}

	clean := make([]string, 0, len(codes))
	for _, c := range codes {
		if c = models.NormalizeCode(c); c != "" {
			clean = append(clean, c)
		}
	}

	res, err := s.repo.ImportExpected(ctx, clean, clearExisting, s.now())
	if err != nil {
		return models.ImportResult{}, err
	}
	logger.ForContext(ctx).WithFields(logger.Fields{
		"added":      res.Added,
		"duplicates": res.Duplicates,
		"cleared":    clearExisting,
	}).Info("expected codes imported")
	return res, nil
}

func (s *Service) ScanCode(ctx context.Context, raw string) (*ScanResult, error) {
	code := models.NormalizeCode(raw)
	if code == "" {
		return nil, models.NewValidationError("code", "tracking code is required")
	}

	now := s.now()
	day := models.DayOf(now, s.loc)
	rec, err := s.repo.RecordScan(ctx, code, now, day)
	if err != nil {
		return nil, err
	}

	if rec.Prior != nil {
		prior := rec.Prior.ScannedAt
		return &ScanResult{
			Code:           code,
			Outcome:        OutcomeAlreadyScanned,
			Detail:         "Mercadoria já foi conferida anteriormente",
			PriorScannedAt: &prior,
		}, nil
	}

	res := &ScanResult{Code: code, ScannedAt: &rec.Good.ScannedAt}
	var status *models.ExpectedStatus
	if rec.Expected == nil {
		res.Outcome = OutcomeNotFound
		res.Detail = "Mercadoria não encontrada na base de rastreios"
	} else {
		st := rec.Expected.Status
		status = &st
		res.Outcome = OutcomeSuccess
		res.Detail = "Mercadoria conferida com sucesso"
	}

	if _, err := s.agg.Bump(ctx, day, code, status); err != nil {
		s.logAggregation(ctx, code, err)
	}
	s.publishScanned(ctx, res, day)
	return res, nil
}

// ListMissing returns the expected codes still pending.
func (s *Service) ListMissing(ctx context.Context) ([]*models.ExpectedCode, error) {
	st := models.StatusPending
	return s.repo.ListExpected(ctx, &st)
}

func (s *Service) SetStatus(ctx context.Context, rawCode, rawStatus string) error {
	code := models.NormalizeCode(rawCode)
	if code == "" {
		return models.NewValidationError("code", "tracking code is required")
	}
	status, ok := models.ParseExpectedStatus(rawStatus)
	if !ok {
		return models.NewValidationError("status", "invalid status")
	}

	if err := s.repo.SetExpectedStatus(ctx, code, status); err != nil {
		return err
	}

	good, err := s.repo.GetScanned(ctx, code)
	switch {
	case errors.Is(err, models.ErrNotFound):
		return nil
	case err != nil:
		logger.ForContext(ctx).WithError(err).WithField("code", code).Warn("lookup scanned good after status change")
		return nil
	}
	if _, err := s.agg.RecomputeStatuses(ctx, good.ScanDate); err != nil {
		s.logAggregation(ctx, code, err)
	}
	return nil
}

func (s *Service) SetCarrier(ctx context.Context, rawCode, carrier string) (*models.ScannedGood, error) {
	code := models.NormalizeCode(rawCode)
	if code == "" {
		return nil, models.NewValidationError("code", "tracking code is required")
	}
	carrier = strings.TrimSpace(carrier)
	if carrier == "" {
		return nil, models.NewValidationError("carrier", "carrier is required")
	}

	good, err := s.repo.SetCarrier(ctx, code, carrier)
	if err != nil {
		return nil, err
	}
	if _, err := s.agg.RecomputeCarriers(ctx, good.ScanDate); err != nil {
		s.logAggregation(ctx, code, err)
	}
	return good, nil
}

// BulkSetCarrier labels every unassigned in-base good with carrier and
// returns how many were updated.
func (s *Service) BulkSetCarrier(ctx context.Context, carrier string) (int, error) {
	carrier = strings.TrimSpace(carrier)
	if carrier == "" {
		return 0, models.NewValidationError("carrier", "carrier is required")
	}

	updated, err := s.repo.BulkSetCarrier(ctx, carrier)
	if err != nil {
		return 0, err
	}

	days := map[string]time.Time{}
	for _, g := range updated {
		days[models.FormatDay(g.ScanDate)] = g.ScanDate
	}
	for _, day := range days {
		if _, err := s.agg.RecomputeCarriers(ctx, day); err != nil {
			s.logAggregation(ctx, "", err)
		}
	}
	return len(updated), nil
}

func (s *Service) DeleteExpected(ctx context.Context, rawCode string) error {
	code := models.NormalizeCode(rawCode)
	if code == "" {
		return models.NewValidationError("code", "tracking code is required")
	}
	return s.repo.DeleteExpected(ctx, code)
}

func (s *Service) DeleteScanned(ctx context.Context, rawCode string) error {
	code := models.NormalizeCode(rawCode)
	if code == "" {
		return models.NewValidationError("code", "tracking code is required")
	}

	removed, err := s.repo.DeleteScanned(ctx, code)
	if err != nil {
		return err
	}
	if _, err := s.agg.Decrement(ctx, removed.Good.ScanDate, code, removed.Good.CarrierLabel(), removed.Bucket()); err != nil {
		s.logAggregation(ctx, code, err)
	}
	return nil
}

// ResetExpectedAndScanned clears both record sets. Dashboards are kept.
func (s *Service) ResetExpectedAndScanned(ctx context.Context) (models.ResetResult, error) {
	res, err := s.repo.ResetRecords(ctx)
	if err != nil {
		return models.ResetResult{}, err
	}
	logger.ForContext(ctx).WithFields(logger.Fields{
		"expected_removed": res.ExpectedRemoved,
		"scanned_removed":  res.ScannedRemoved,
	}).Info("records reset")
	return res, nil
}

func (s *Service) ResetDashboard(ctx context.Context, day time.Time) (bool, error) {
	return s.agg.Reset(ctx, day)
}

func (s *Service) GetDashboard(ctx context.Context, day time.Time) (*models.Dashboard, error) {
	return s.agg.Get(ctx, day)
}

func (s *Service) ForceRecomputeDashboard(ctx context.Context, day time.Time) (*models.Dashboard, error) {
	return s.agg.Recompute(ctx, day)
}

func (s *Service) Statistics(ctx context.Context) (models.Statistics, error) {
	st, err := s.repo.Stats(ctx)
	if err != nil {
		return models.Statistics{}, err
	}
	if st.TotalExpected > 0 {
		pct := float64(st.TotalChecked) / float64(st.TotalExpected) * 100
		st.PercentChecked = math.Round(pct*100) / 100
	}
	return st, nil
}

func (s *Service) ListScanned(ctx context.Context) ([]models.ScannedWithStatus, error) {
	return s.repo.ListScanned(ctx, models.ScannedFilter{})
}

func (s *Service) ListScannedByBucket(ctx context.Context, raw string) ([]models.ScannedWithStatus, error) {
	b, ok := models.ParseBucket(raw)
	if !ok {
		return nil, models.NewValidationError("bucket", "invalid bucket")
	}
	return s.repo.ListScanned(ctx, models.ScannedFilter{Bucket: &b})
}

// ApplyAssignment applies a carrier and/or status pushed by an upstream system.
func (s *Service) ApplyAssignment(ctx context.Context, msg messages.GoodsAssignment) error {
	if models.NormalizeCode(msg.Code) == "" {
		return models.NewValidationError("code", "code is required")
	}
	if msg.Carrier == nil && msg.Status == nil {
		return models.NewValidationError("assignment", "carrier or status is required")
	}

	if msg.Status != nil {
		if err := s.SetStatus(ctx, msg.Code, *msg.Status); err != nil {
			return err
		}
	}
	if msg.Carrier != nil {
		if _, err := s.SetCarrier(ctx, msg.Code, *msg.Carrier); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) publishScanned(ctx context.Context, res *ScanResult, day time.Time) {
	if s.pub == nil || s.scannedTopic == "" {
		return
	}
	b, err := json.Marshal(messages.GoodScanned{
		Code:      res.Code,
		Outcome:   string(res.Outcome),
		ScannedAt: res.ScannedAt.UTC(),
		ScanDate:  models.FormatDay(day),
	})
	if err == nil {
		err = s.pub.Publish(ctx, s.scannedTopic, []byte(res.Code), b)
	}
	if err != nil {
		logger.ForContext(ctx).WithError(err).WithField("code", res.Code).Warn("publish scan event failed")
	}
}

func (s *Service) logAggregation(ctx context.Context, code string, err error) {
	l := logger.ForContext(ctx).WithError(err)
	var aggErr *dashboard.AggregationError
	if errors.As(err, &aggErr) {
		l = l.WithFields(logger.Fields{
			"op":  aggErr.Op,
			"day": models.FormatDay(aggErr.Day),
		})
	}
	if code != "" {
		l = l.WithField("code", code)
	}
	if errors.Is(err, dashboard.ErrAlreadyCounted) {
		l.Warn("dashboard already counts code")
		return
	}
	l.Error("dashboard update failed")
}
