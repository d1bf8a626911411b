// Package mongostore implements store.Store and session.Store on MongoDB.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"referral-bot/models"
	"referral-bot/store"
)

const (
	usersCollection     = "users"
	referralsCollection = "referrals"
	adminsCollection    = "admins"
	payoutsCollection   = "payouts"
	sessionsCollection  = "sessions"

	referralCodeIndex = "referral_code_unique"
)

type Store struct {
	client    *mongo.Client
	db        *mongo.Database
	users     *mongo.Collection
	referrals *mongo.Collection
	admins    *mongo.Collection
	payouts   *mongo.Collection
	now       func() time.Time
}

var _ store.Store = (*Store)(nil)

func New(client *mongo.Client, dbName string) *Store {
	db := client.Database(dbName)
	return &Store{
		client:    client,
		db:        db,
		users:     db.Collection(usersCollection),
		referrals: db.Collection(referralsCollection),
		admins:    db.Collection(adminsCollection),
		payouts:   db.Collection(payoutsCollection),
		now:       time.Now,
	}
}

// Migrate creates the indexes the store relies on for uniqueness.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := map[*mongo.Collection][]mongo.IndexModel{
		s.users: {
			{Keys: bson.D{{Key: "telegram_id", Value: 1}}, Options: options.Index().SetUnique(true).SetName("telegram_id_unique")},
			{Keys: bson.D{{Key: "referral_code", Value: 1}}, Options: options.Index().SetUnique(true).SetName(referralCodeIndex)},
			{Keys: bson.D{{Key: "registration_date", Value: -1}}},
		},
		s.referrals: {
			{Keys: bson.D{{Key: "referrer_id", Value: 1}, {Key: "referred_user_id", Value: 1}}, Options: options.Index().SetUnique(true).SetName("referrer_referred_unique")},
			{Keys: bson.D{{Key: "bonus_paid", Value: 1}, {Key: "referral_date", Value: -1}}},
		},
		s.admins: {
			{Keys: bson.D{{Key: "telegram_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		s.payouts: {
			{Keys: bson.D{{Key: "user_id", Value: 1}}},
		},
	}
	for coll, idx := range indexes {
		if _, err := coll.Indexes().CreateMany(ctx, idx); err != nil {
			return fmt.Errorf("mongostore: create indexes on %s: %w", coll.Name(), err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close is a no-op; the client is owned by the caller.
func (s *Store) Close(context.Context) error { return nil }

type userDoc struct {
	TelegramID   int64                `bson:"telegram_id"`
	Username     string               `bson:"username"`
	FirstName    *string              `bson:"first_name,omitempty"`
	LastName     *string              `bson:"last_name,omitempty"`
	Patronymic   *string              `bson:"patronymic,omitempty"`
	Email        *string              `bson:"email,omitempty"`
	Phone        *string              `bson:"phone,omitempty"`
	ReferralCode string               `bson:"referral_code"`
	RegisteredAt time.Time            `bson:"registration_date"`
	BonusBalance primitive.Decimal128 `bson:"bonus_balance"`
	IsActive     bool                 `bson:"is_active"`
}

func toUserDoc(u *models.User) (userDoc, error) {
	bal, err := toDecimal128(u.BonusBalance)
	if err != nil {
		return userDoc{}, err
	}
	return userDoc{
		TelegramID:   u.TelegramID,
		Username:     u.Username,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		Patronymic:   u.Patronymic,
		Email:        u.Email,
		Phone:        u.Phone,
		ReferralCode: u.ReferralCode,
		RegisteredAt: u.RegisteredAt,
		BonusBalance: bal,
		IsActive:     u.IsActive,
	}, nil
}

func (d userDoc) model() models.User {
	return models.User{
		TelegramID:   d.TelegramID,
		Username:     d.Username,
		FirstName:    d.FirstName,
		LastName:     d.LastName,
		Patronymic:   d.Patronymic,
		Email:        d.Email,
		Phone:        d.Phone,
		ReferralCode: d.ReferralCode,
		RegisteredAt: d.RegisteredAt,
		BonusBalance: fromDecimal128(d.BonusBalance),
		IsActive:     d.IsActive,
	}
}

type payoutDoc struct {
	ID              string               `bson:"_id"`
	UserID          int64                `bson:"user_id"`
	ReferralID      string               `bson:"referral_id"`
	Amount          primitive.Decimal128 `bson:"amount"`
	Status          string               `bson:"status"`
	PaidAt          time.Time            `bson:"payout_date"`
	AdminTelegramID int64                `bson:"admin_telegram_id"`
}

func (d payoutDoc) model() models.Payout {
	return models.Payout{
		ID:              d.ID,
		UserID:          d.UserID,
		ReferralID:      d.ReferralID,
		Amount:          fromDecimal128(d.Amount),
		Status:          d.Status,
		PaidAt:          d.PaidAt,
		AdminTelegramID: d.AdminTelegramID,
	}
}

type handle struct {
	Username string `bson:"username"`
}

type referralViewDoc struct {
	models.Referral `bson:",inline"`
	Referrer        []handle `bson:"referrer"`
	Referred        []handle `bson:"referred"`
}

func (d referralViewDoc) model() models.ReferralView {
	v := models.ReferralView{Referral: d.Referral}
	if len(d.Referrer) > 0 {
		v.ReferrerName = d.Referrer[0].Username
	}
	if len(d.Referred) > 0 {
		v.ReferredName = d.Referred[0].Username
	}
	return v
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.Decimal128{}, fmt.Errorf("mongostore: decimal %s: %w", d, err)
	}
	return v, nil
}

func fromDecimal128(v primitive.Decimal128) decimal.Decimal {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (s *Store) UserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	return s.findUser(ctx, bson.M{"telegram_id": telegramID}, fmt.Sprintf("user %d", telegramID))
}

func (s *Store) UserByReferralCode(ctx context.Context, code string) (*models.User, error) {
	return s.findUser(ctx, bson.M{"referral_code": code}, fmt.Sprintf("user by code %q", code))
}

func (s *Store) findUser(ctx context.Context, filter bson.M, what string) (*models.User, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("mongostore: find %s: %w", what, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: find %s: %w", what, err)
	}
	u := doc.model()
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	if user.RegisteredAt.IsZero() {
		user.RegisteredAt = s.now().UTC()
	}
	doc, err := toUserDoc(user)
	if err != nil {
		return err
	}
	_, err = s.users.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		if strings.Contains(err.Error(), referralCodeIndex) {
			return fmt.Errorf("mongostore: create user %d: %w", user.TelegramID, store.ErrDuplicateCode)
		}
		return fmt.Errorf("mongostore: create user %d: %w", user.TelegramID, store.ErrDuplicateUser)
	}
	if err != nil {
		return fmt.Errorf("mongostore: create user %d: %w", user.TelegramID, err)
	}
	return nil
}

func (s *Store) SetPhone(ctx context.Context, telegramID int64, phone string) error {
	res, err := s.users.UpdateOne(ctx, bson.M{"telegram_id": telegramID}, bson.M{"$set": bson.M{"phone": phone}})
	if err != nil {
		return fmt.Errorf("mongostore: set phone %d: %w", telegramID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("mongostore: set phone %d: %w", telegramID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context, limit int) ([]models.User, error) {
	opts := options.Find().SetSort(bson.D{{Key: "registration_date", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.users.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: list users: %w", err)
	}
	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: list users: %w", err)
	}
	users := make([]models.User, 0, len(docs))
	for _, d := range docs {
		users = append(users, d.model())
	}
	return users, nil
}

func (s *Store) CreateReferral(ctx context.Context, ref *models.Referral) error {
	if ref.ID == "" {
		ref.ID = uuid.NewString()
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = s.now().UTC()
	}
	_, err := s.referrals.InsertOne(ctx, ref)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("mongostore: create referral %d->%d: %w", ref.ReferrerID, ref.ReferredID, store.ErrDuplicateReferral)
	}
	if err != nil {
		return fmt.Errorf("mongostore: create referral %d->%d: %w", ref.ReferrerID, ref.ReferredID, err)
	}
	return nil
}

func (s *Store) ReferralsByReferrer(ctx context.Context, referrerID int64) ([]models.ReferralView, error) {
	return s.referralViews(ctx, bson.M{"referrer_id": referrerID})
}

func (s *Store) UnpaidReferrals(ctx context.Context) ([]models.ReferralView, error) {
	return s.referralViews(ctx, bson.M{"bonus_paid": false})
}

func (s *Store) AllReferrals(ctx context.Context) ([]models.ReferralView, error) {
	return s.referralViews(ctx, bson.M{})
}

// referralViews joins both sides' usernames, newest first.
func (s *Store) referralViews(ctx context.Context, match bson.M) ([]models.ReferralView, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$sort", Value: bson.D{{Key: "referral_date", Value: -1}}}},
		{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: usersCollection},
			{Key: "localField", Value: "referrer_id"},
			{Key: "foreignField", Value: "telegram_id"},
			{Key: "as", Value: "referrer"},
		}}},
		{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: usersCollection},
			{Key: "localField", Value: "referred_user_id"},
			{Key: "foreignField", Value: "telegram_id"},
			{Key: "as", Value: "referred"},
		}}},
	}
	cur, err := s.referrals.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("mongostore: list referrals: %w", err)
	}
	var docs []referralViewDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: list referrals: %w", err)
	}
	views := make([]models.ReferralView, 0, len(docs))
	for _, d := range docs {
		views = append(views, d.model())
	}
	return views, nil
}

// MarkBonusPaid flips bonus_paid with a conditional update, so of two racing
// calls only one proceeds to credit the balance and write the payout.
func (s *Store) MarkBonusPaid(ctx context.Context, referralID string, adminID int64, amount decimal.Decimal) (*models.Payout, error) {
	var ref models.Referral
	err := s.referrals.FindOneAndUpdate(ctx,
		bson.M{"_id": referralID, "bonus_paid": false},
		bson.M{"$set": bson.M{"bonus_paid": true}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&ref)
	if errors.Is(err, mongo.ErrNoDocuments) {
		n, cerr := s.referrals.CountDocuments(ctx, bson.M{"_id": referralID})
		if cerr != nil {
			return nil, fmt.Errorf("mongostore: mark paid %s: %w", referralID, cerr)
		}
		if n == 0 {
			return nil, fmt.Errorf("mongostore: mark paid %s: %w", referralID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("mongostore: mark paid %s: %w", referralID, store.ErrAlreadyPaid)
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: mark paid %s: %w", referralID, err)
	}

	amt, err := toDecimal128(amount)
	if err != nil {
		return nil, err
	}
	if _, err := s.users.UpdateOne(ctx,
		bson.M{"telegram_id": ref.ReferrerID},
		bson.M{"$inc": bson.M{"bonus_balance": amt}},
	); err != nil {
		return nil, fmt.Errorf("mongostore: credit %d: %w", ref.ReferrerID, err)
	}

	doc := payoutDoc{
		ID:              uuid.NewString(),
		UserID:          ref.ReferrerID,
		ReferralID:      referralID,
		Amount:          amt,
		Status:          models.PayoutStatusPaid,
		PaidAt:          s.now().UTC(),
		AdminTelegramID: adminID,
	}
	if _, err := s.payouts.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("mongostore: insert payout %s: %w", referralID, err)
	}
	p := doc.model()
	return &p, nil
}

func (s *Store) PayoutsByUser(ctx context.Context, telegramID int64) ([]models.Payout, error) {
	cur, err := s.payouts.Find(ctx, bson.M{"user_id": telegramID}, options.Find().SetSort(bson.D{{Key: "payout_date", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: payouts %d: %w", telegramID, err)
	}
	var docs []payoutDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: payouts %d: %w", telegramID, err)
	}
	out := make([]models.Payout, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.model())
	}
	return out, nil
}

func (s *Store) IsAdmin(ctx context.Context, telegramID int64) (bool, error) {
	n, err := s.admins.CountDocuments(ctx, bson.M{"telegram_id": telegramID, "is_active": true}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("mongostore: is admin %d: %w", telegramID, err)
	}
	return n > 0, nil
}

func (s *Store) EnsureAdmin(ctx context.Context, admin models.Admin) error {
	if admin.CreatedAt.IsZero() {
		admin.CreatedAt = s.now().UTC()
	}
	if admin.Permissions == "" {
		admin.Permissions = models.PermissionView
	}
	_, err := s.admins.UpdateOne(ctx,
		bson.M{"telegram_id": admin.TelegramID},
		bson.M{"$setOnInsert": admin},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongostore: ensure admin %d: %w", admin.TelegramID, err)
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (models.Stats, error) {
	var st models.Stats
	counts := []struct {
		coll   *mongo.Collection
		filter bson.M
		dst    *int64
	}{
		{s.users, bson.M{}, &st.TotalUsers},
		{s.referrals, bson.M{}, &st.TotalReferrals},
		{s.referrals, bson.M{"bonus_paid": false}, &st.UnpaidBonuses},
		{s.referrals, bson.M{"bonus_paid": true}, &st.PaidBonuses},
	}
	for _, c := range counts {
		n, err := c.coll.CountDocuments(ctx, c.filter)
		if err != nil {
			return models.Stats{}, fmt.Errorf("mongostore: stats: %w", err)
		}
		*c.dst = n
	}
	return st, nil
}
