package performance

import (
	"context"
	"fmt"
	"time"

	"github.com/okian/scanreward/internal/domain/model"
	"github.com/okian/scanreward/internal/domain/ranking"
	"github.com/okian/scanreward/pkg/logger"
	"github.com/okian/scanreward/pkg/metrics"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type scannerRow struct {
	AgentID       string    `gorm:"column:agent_id;primaryKey;size:128"`
	DisplayName   string    `gorm:"column:display_name"`
	WalletAddress string    `gorm:"column:wallet_address;size:64"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

func (scannerRow) TableName() string { return "scanners" }

// participantRow is the single relation linking an agent to an epoch. The
// foreign key keeps agents without a scanner row out of every epoch.
type participantRow struct {
	EpochID    string     `gorm:"column:epoch_id;primaryKey;size:64"`
	AgentID    string     `gorm:"column:agent_id;primaryKey;size:128"`
	TotalCalls int64      `gorm:"column:total_calls;not null"`
	WinRate    float64    `gorm:"column:win_rate;not null"`
	Conviction float64    `gorm:"column:conviction;not null;default:0"`
	Scanner    scannerRow `gorm:"foreignKey:AgentID;references:AgentID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

func (participantRow) TableName() string { return "epoch_participants" }

type joinedRow struct {
	AgentID       string
	DisplayName   string
	WalletAddress string
	TotalCalls    int64
	WinRate       float64
	Conviction    float64
}

func (r joinedRow) toModel() model.ScannerPerformance {
	return model.ScannerPerformance{
		AgentID:       r.AgentID,
		DisplayName:   r.DisplayName,
		WalletAddress: r.WalletAddress,
		TotalCalls:    r.TotalCalls,
		WinRate:       r.WinRate,
		Conviction:    r.Conviction,
	}
}

// Option applies a configuration option to the Postgres provider.
type Option func(*Postgres)

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Postgres) {
		if l != nil {
			p.logger = l
		}
	}
}

// Postgres reads performance from the epoch_participants and scanners tables.
type Postgres struct {
	db     *gorm.DB
	logger logger.Logger
}

var _ ranking.PerformanceProvider = (*Postgres)(nil)

// NewPostgres builds a provider on a shared gorm handle.
func NewPostgres(db *gorm.DB, opts ...Option) *Postgres {
	p := &Postgres{db: db, logger: logger.Get().Named("performance.postgres")}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Migrate creates the scanners and epoch_participants tables.
func (p *Postgres) Migrate(ctx context.Context) error {
	if err := p.db.WithContext(ctx).AutoMigrate(&scannerRow{}, &participantRow{}); err != nil {
		return fmt.Errorf("migrate performance tables: %w", err)
	}
	return nil
}

// Performance returns every participant of epochID that has a scanner record.
func (p *Postgres) Performance(ctx context.Context, epochID string) ([]model.ScannerPerformance, error) {
	start := time.Now()
	defer func() {
		metrics.RecordStoreLatency("postgres", "load_performance", float64(time.Since(start).Microseconds())/1000)
	}()

	var rows []joinedRow
	err := p.db.WithContext(ctx).
		Table("epoch_participants AS p").
		Select("p.agent_id, s.display_name, s.wallet_address, p.total_calls, p.win_rate, p.conviction").
		Joins("INNER JOIN scanners AS s ON s.agent_id = p.agent_id").
		Where("p.epoch_id = ?", epochID).
		Order("p.agent_id ASC").
		Scan(&rows).Error
	if err != nil {
		p.logger.Error(ctx, "load performance failed", logger.String("epoch_id", epochID), logger.Error(err))
		metrics.RecordError("performance", "load")
		return nil, fmt.Errorf("load performance for epoch %s: %w", epochID, err)
	}
	out := make([]model.ScannerPerformance, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// Record upserts the scanners and their participation in epochID.
func (p *Postgres) Record(ctx context.Context, epochID string, perf []model.ScannerPerformance) error {
	if len(perf) == 0 {
		return nil
	}
	scanners := make([]scannerRow, 0, len(perf))
	parts := make([]participantRow, 0, len(perf))
	for i := range perf {
		if err := perf[i].Validate(); err != nil {
			return err
		}
		scanners = append(scanners, scannerRow{
			AgentID:       perf[i].AgentID,
			DisplayName:   perf[i].DisplayName,
			WalletAddress: perf[i].WalletAddress,
		})
		parts = append(parts, participantRow{
			EpochID:    epochID,
			AgentID:    perf[i].AgentID,
			TotalCalls: perf[i].TotalCalls,
			WinRate:    perf[i].WinRate,
			Conviction: perf[i].Conviction,
		})
	}
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "agent_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name", "wallet_address"}),
		}).Create(&scanners).Error
		if err != nil {
			return fmt.Errorf("upsert scanners: %w", err)
		}
		err = tx.Omit("Scanner").Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "epoch_id"}, {Name: "agent_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"total_calls", "win_rate", "conviction"}),
		}).Create(&parts).Error
		if err != nil {
			return fmt.Errorf("upsert participants: %w", err)
		}
		return nil
	})
}
