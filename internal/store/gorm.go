package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/brightming/genflow/internal/config"
	"github.com/brightming/genflow/internal/generr"
	"github.com/brightming/genflow/pkg/model"
)

// Open 按配置打开数据库，driver 为 mysql 或 sqlite
func Open(cfg config.DBConfig) (*gorm.DB, error) {
	gcfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		dialector = mysql.Open(cfg.MySQLDSN())
	case "sqlite":
		dialector = sqlite.Open(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}
	return db, nil
}

// requestRow generation_requests 表
type requestRow struct {
	ID                string `gorm:"primaryKey;size:64"`
	RequesterID       string `gorm:"size:64;index"`
	Fingerprint       string `gorm:"size:64;index"`
	Status            string `gorm:"size:32;index"`
	DerivedFrom       string `gorm:"size:64"`
	Request           datatypes.JSON
	Title             string `gorm:"size:255"`
	AssembledPrompt   string `gorm:"type:text"`
	Content           string `gorm:"type:text"`
	Usage             datatypes.JSON
	Verdict           datatypes.JSON
	NeedsStrictReview bool
	Failure           datatypes.JSON
	Artifact          datatypes.JSON
	Decision          datatypes.JSON
	ReservationID     string `gorm:"size:64"`
	ReservedCost      int
	ReservedBonus     int
	Refunded          bool
	RefundPending     bool `gorm:"index"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (requestRow) TableName() string { return "generation_requests" }

// attemptRow generation_attempts 表
type attemptRow struct {
	ID           string `gorm:"primaryKey;size:64"`
	RequestID    string `gorm:"size:64;uniqueIndex:idx_attempt_seq"`
	Seq          int    `gorm:"uniqueIndex:idx_attempt_seq"`
	ProviderID   string `gorm:"size:64;index"`
	StartedAt    time.Time
	EndedAt      time.Time
	TokensInput  int
	TokensOutput int
	Cost         float64
	Outcome      string `gorm:"size:16"`
	ErrorClass   string `gorm:"size:32"`
	ErrorMessage string `gorm:"type:text"`
}

func (attemptRow) TableName() string { return "generation_attempts" }

// decisionRow review_decisions 表，request_id 唯一
type decisionRow struct {
	ID            string `gorm:"primaryKey;size:64"`
	RequestID     string `gorm:"size:64;uniqueIndex"`
	ReviewerID    string `gorm:"size:64"`
	Action        string `gorm:"size:16"`
	EditedContent string `gorm:"type:text"`
	Notes         string `gorm:"type:text"`
	DecidedAt     time.Time
}

func (decisionRow) TableName() string { return "review_decisions" }

// GormStore MySQL/SQLite 持久化
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 自动迁移表结构
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&requestRow{}, &attemptRow{}, &decisionRow{}, &accountRow{}); err != nil {
		return nil, fmt.Errorf("migrate failed: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) SaveRequest(ctx context.Context, rec *model.RequestRecord) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(row).Error
}

func (s *GormStore) GetRequest(ctx context.Context, id string) (*model.RequestRecord, error) {
	var row requestRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, generr.NotFound("request", id)
	}
	if err != nil {
		return nil, err
	}
	return fromRow(&row)
}

func (s *GormStore) ListNonTerminal(ctx context.Context) ([]*model.RequestRecord, error) {
	terminal := []string{
		string(model.StatusApproved), string(model.StatusRejected), string(model.StatusEdited),
		string(model.StatusFailed), string(model.StatusCancelled),
	}
	var rows []requestRow
	if err := s.db.WithContext(ctx).Where("status NOT IN ?", terminal).Order("created_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	return fromRows(rows)
}

func (s *GormStore) ListPendingRefunds(ctx context.Context) ([]*model.RequestRecord, error) {
	var rows []requestRow
	if err := s.db.WithContext(ctx).Where("refund_pending = ?", true).Order("created_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	return fromRows(rows)
}

func (s *GormStore) ListByStatus(ctx context.Context, status model.Status, offset, limit int) (*StatusPage, error) {
	page := &StatusPage{}
	if err := s.db.WithContext(ctx).Model(&requestRow{}).
		Where("status = ?", string(status)).Count(&page.Total).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&requestRow{}).
		Where("status = ? AND needs_strict_review = ?", string(status), true).Count(&page.Strict).Error; err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).Where("status = ?", string(status)).
		Order("needs_strict_review DESC").Order("created_at").Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []requestRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	recs, err := fromRows(rows)
	if err != nil {
		return nil, err
	}
	page.Records = recs
	return page, nil
}

func fromRows(rows []requestRow) ([]*model.RequestRecord, error) {
	out := make([]*model.RequestRecord, 0, len(rows))
	for i := range rows {
		rec, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *GormStore) SaveAttempt(ctx context.Context, a model.GenerationAttempt) error {
	row := attemptRow{
		ID:           a.ID,
		RequestID:    a.RequestID,
		Seq:          a.Seq,
		ProviderID:   a.ProviderID,
		StartedAt:    a.StartedAt,
		EndedAt:      a.EndedAt,
		TokensInput:  a.TokensInput,
		TokensOutput: a.TokensOutput,
		Cost:         a.Cost,
		Outcome:      string(a.Outcome),
		ErrorClass:   string(a.ErrorClass),
		ErrorMessage: a.ErrorMessage,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *GormStore) ListAttempts(ctx context.Context, requestID string) ([]model.GenerationAttempt, error) {
	var rows []attemptRow
	if err := s.db.WithContext(ctx).Where("request_id = ?", requestID).Order("seq").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.GenerationAttempt, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.GenerationAttempt{
			ID:           r.ID,
			RequestID:    r.RequestID,
			Seq:          r.Seq,
			ProviderID:   r.ProviderID,
			StartedAt:    r.StartedAt,
			EndedAt:      r.EndedAt,
			TokensInput:  r.TokensInput,
			TokensOutput: r.TokensOutput,
			Cost:         r.Cost,
			Outcome:      model.Outcome(r.Outcome),
			ErrorClass:   model.ErrorClass(r.ErrorClass),
			ErrorMessage: r.ErrorMessage,
		})
	}
	return out, nil
}

func (s *GormStore) SaveDecision(ctx context.Context, d model.ReviewDecision) error {
	row := decisionRow{
		ID:            d.ID,
		RequestID:     d.RequestID,
		ReviewerID:    d.ReviewerID,
		Action:        string(d.Action),
		EditedContent: d.EditedContent,
		Notes:         d.Notes,
		DecidedAt:     d.DecidedAt,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errDecisionExists(d.RequestID)
	}
	return nil
}

func toRow(rec *model.RequestRecord) (*requestRow, error) {
	req, err := marshal(rec.Request)
	if err != nil {
		return nil, err
	}
	usage, err := marshal(rec.Usage)
	if err != nil {
		return nil, err
	}
	verdict, err := marshal(rec.Verdict)
	if err != nil {
		return nil, err
	}
	failure, err := marshal(rec.Failure)
	if err != nil {
		return nil, err
	}
	artifact, err := marshal(rec.Artifact)
	if err != nil {
		return nil, err
	}
	decision, err := marshal(rec.Decision)
	if err != nil {
		return nil, err
	}
	return &requestRow{
		ID:                rec.Request.ID,
		RequesterID:       rec.Request.RequesterID,
		Fingerprint:       rec.Request.Fingerprint,
		Status:            string(rec.Status),
		DerivedFrom:       rec.Request.DerivedFrom,
		Request:           req,
		Title:             rec.Title,
		AssembledPrompt:   rec.AssembledPrompt,
		Content:           rec.Content,
		Usage:             usage,
		Verdict:           verdict,
		NeedsStrictReview: rec.NeedsStrictReview,
		Failure:           failure,
		Artifact:          artifact,
		Decision:          decision,
		ReservationID:     rec.ReservationID,
		ReservedCost:      rec.ReservedCost,
		ReservedBonus:     rec.ReservedBonus,
		Refunded:          rec.Refunded,
		RefundPending:     rec.RefundPending,
		CreatedAt:         rec.Request.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}, nil
}

func fromRow(row *requestRow) (*model.RequestRecord, error) {
	rec := &model.RequestRecord{
		Status:            model.Status(row.Status),
		Title:             row.Title,
		AssembledPrompt:   row.AssembledPrompt,
		Content:           row.Content,
		NeedsStrictReview: row.NeedsStrictReview,
		ReservationID:     row.ReservationID,
		ReservedCost:      row.ReservedCost,
		ReservedBonus:     row.ReservedBonus,
		Refunded:          row.Refunded,
		RefundPending:     row.RefundPending,
		UpdatedAt:         row.UpdatedAt,
	}
	if err := unmarshal(row.Request, &rec.Request); err != nil {
		return nil, err
	}
	if err := unmarshal(row.Usage, &rec.Usage); err != nil {
		return nil, err
	}
	if err := unmarshal(row.Verdict, &rec.Verdict); err != nil {
		return nil, err
	}
	if err := unmarshal(row.Failure, &rec.Failure); err != nil {
		return nil, err
	}
	if err := unmarshal(row.Artifact, &rec.Artifact); err != nil {
		return nil, err
	}
	if err := unmarshal(row.Decision, &rec.Decision); err != nil {
		return nil, err
	}
	return rec, nil
}

func marshal(v interface{}) (datatypes.JSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func unmarshal(raw datatypes.JSON, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
