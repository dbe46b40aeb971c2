package wallet

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/swiftpay/internal/logging"
)

// InterestSweep periodically accrues interest on every profile so dormant
// accounts earn it too. It requires ModeAtomic.
type InterestSweep struct {
	svc    *Service
	cron   *cron.Cron
	logger *logging.Logger
}

// NewInterestSweep schedules the sweep with a standard five-field cron
// expression or descriptor such as "@daily".
func NewInterestSweep(svc *Service, schedule string, logger *logging.Logger) (*InterestSweep, error) {
	if svc.Mode() != ModeAtomic {
		return nil, fmt.Errorf("interest sweep requires %s mode", ModeAtomic)
	}
	if logger == nil {
		logger = svc.logger
	}

	sw := &InterestSweep{svc: svc, cron: cron.New(), logger: logger}
	if _, err := sw.cron.AddFunc(schedule, func() { sw.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return sw, nil
}

func (sw *InterestSweep) Start() {
	sw.cron.Start()
}

// Stop stops scheduling and returns a context done when a running sweep ends.
func (sw *InterestSweep) Stop() context.Context {
	return sw.cron.Stop()
}

// RunOnce accrues interest for every profile and returns how many were
// credited. Failures on individual profiles are logged and skipped.
func (sw *InterestSweep) RunOnce(ctx context.Context) int {
	users, err := sw.svc.ListUsers(ctx)
	if err != nil {
		sw.logger.WithContext(ctx).WithError(err).Error("Interest sweep could not list profiles")
		return 0
	}

	credited := 0
	total := decimal.Zero
	for _, u := range users {
		_, interest, err := sw.svc.AccrueInterest(ctx, u.UID)
		if err != nil {
			sw.logger.WithContext(ctx).WithError(err).WithField("uid", u.UID).Warn("Interest sweep skipped profile")
			continue
		}
		if interest.IsPositive() {
			credited++
			total = total.Add(interest)
		}
	}

	sw.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"profiles": len(users),
		"credited": credited,
		"total":    total.String(),
	}).Info("Interest sweep finished")
	return credited
}
