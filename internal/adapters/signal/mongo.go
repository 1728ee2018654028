package signal

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/dkeye/Calls/internal/core"
	"github.com/dkeye/Calls/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	invitesCollection  = "invites"
	presenceCollection = "presence"
	offersCollection   = "offers"
)

// MongoStore relays signaling through MongoDB collections watched with change
// streams. Change streams need a replica set.
type MongoStore struct {
	client   *mongo.Client
	invites  *mongo.Collection
	presence *mongo.Collection
	offers   *mongo.Collection
}

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	db := client.Database(database)
	s := &MongoStore{
		client:   client,
		invites:  db.Collection(invitesCollection),
		presence: db.Collection(presenceCollection),
		offers:   db.Collection(offersCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	log.Info().Str("module", "signal.mongo").Str("database", database).Msg("connected")
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	if _, err := s.invites.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "calleeId", Value: 1}, {Key: "status", Value: 1}},
	}); err != nil {
		return fmt.Errorf("invites index: %w", err)
	}
	if _, err := s.presence.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "room", Value: 1}},
	}); err != nil {
		return fmt.Errorf("presence index: %w", err)
	}
	if _, err := s.offers.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "createdAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(120),
	}); err != nil {
		return fmt.Errorf("offers index: %w", err)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

type changeEvent[T any] struct {
	OperationType string `bson:"operationType"`
	FullDocument  *T     `bson:"fullDocument"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
}

// follow decodes change events of cs until ctx ends or the stream fails.
func follow[T any](ctx context.Context, cs *mongo.ChangeStream, logger zerolog.Logger, fn func(changeEvent[T]) bool) {
	defer func() {
		if err := cs.Close(context.Background()); err != nil {
			logger.Debug().Err(err).Msg("change stream close")
		}
	}()
	for cs.Next(ctx) {
		var ev changeEvent[T]
		if err := cs.Decode(&ev); err != nil {
			logger.Error().Err(err).Msg("decode change event")
			continue
		}
		if !fn(ev) {
			return
		}
	}
	if err := cs.Err(); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("change stream stopped")
	}
}

func send[T any](ctx context.Context, out chan<- T, v T) bool {
	select {
	case out <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *MongoStore) CreateInvite(ctx context.Context, inv domain.Invite) (string, error) {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if _, err := s.invites.InsertOne(ctx, inv); err != nil {
		return "", fmt.Errorf("insert invite: %w", err)
	}
	return inv.ID, nil
}

func (s *MongoStore) WatchInvite(ctx context.Context, id string) (<-chan core.InviteEvent, error) {
	// Watch before reading so no change between the two is lost.
	cs, err := s.invites.Watch(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: id}}}},
	}, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, fmt.Errorf("watch invite: %w", err)
	}

	var current domain.Invite
	first := core.InviteEvent{Type: core.InviteChanged}
	err = s.invites.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&current)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		first = core.InviteEvent{Type: core.InviteDeleted, Invite: domain.Invite{ID: id}}
	case err != nil:
		_ = cs.Close(context.Background())
		return nil, fmt.Errorf("read invite: %w", err)
	default:
		first.Invite = current
	}

	out := make(chan core.InviteEvent)
	logger := log.With().Str("module", "signal.mongo").Str("invite", id).Logger()
	go func() {
		defer close(out)
		if !send(ctx, out, first) {
			_ = cs.Close(context.Background())
			return
		}
		follow(ctx, cs, logger, func(ev changeEvent[domain.Invite]) bool {
			switch ev.OperationType {
			case "delete":
				return send(ctx, out, core.InviteEvent{Type: core.InviteDeleted, Invite: domain.Invite{ID: id}})
			case "insert", "update", "replace":
				if ev.FullDocument == nil {
					return true
				}
				return send(ctx, out, core.InviteEvent{Type: core.InviteChanged, Invite: *ev.FullDocument})
			}
			return true
		})
	}()
	return out, nil
}

func (s *MongoStore) WatchIncoming(ctx context.Context, self domain.UserID) (<-chan domain.Invite, error) {
	cs, err := s.invites.Watch(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: "insert"},
			{Key: "fullDocument.calleeId", Value: self},
			{Key: "fullDocument.status", Value: domain.InvitePending},
		}}},
	})
	if err != nil {
		return nil, fmt.Errorf("watch incoming: %w", err)
	}
	out := make(chan domain.Invite)
	logger := log.With().Str("module", "signal.mongo").Str("callee", string(self)).Logger()
	go func() {
		defer close(out)
		follow(ctx, cs, logger, func(ev changeEvent[domain.Invite]) bool {
			if ev.FullDocument == nil {
				return true
			}
			return send(ctx, out, *ev.FullDocument)
		})
	}()
	return out, nil
}

func (s *MongoStore) AcceptInvite(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, bson.D{{Key: "status", Value: domain.InviteAccepted}})
}

func (s *MongoStore) RejectInvite(ctx context.Context, id string, reason string) error {
	return s.setStatus(ctx, id, bson.D{
		{Key: "status", Value: domain.InviteRejected},
		{Key: "reason", Value: reason},
	})
}

func (s *MongoStore) setStatus(ctx context.Context, id string, set bson.D) error {
	res, err := s.invites.UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return fmt.Errorf("update invite: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrNoInvite
	}
	return nil
}

func (s *MongoStore) DeleteInvite(ctx context.Context, id string) error {
	if _, err := s.invites.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}}); err != nil {
		return fmt.Errorf("delete invite: %w", err)
	}
	return nil
}

func presenceID(room domain.RoomName, uid domain.UserID) string {
	return string(room) + "/" + string(uid)
}

func (s *MongoStore) UpsertPresence(ctx context.Context, e domain.PresenceEntry) error {
	_, err := s.presence.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: presenceID(e.Room, e.UserID)}},
		bson.D{
			{Key: "$set", Value: bson.D{
				{Key: "room", Value: e.Room},
				{Key: "userId", Value: e.UserID},
				{Key: "displayName", Value: e.DisplayName},
				{Key: "photoUrl", Value: e.PhotoURL},
				{Key: "lastSeen", Value: e.LastSeen},
				{Key: "isMuted", Value: e.IsMuted},
				{Key: "isDeafened", Value: e.IsDeafened},
				{Key: "isVideoOn", Value: e.IsVideoOn},
				{Key: "isScreenSharing", Value: e.IsScreenSharing},
			}},
			{Key: "$setOnInsert", Value: bson.D{{Key: "joinedAt", Value: e.JoinedAt}}},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

func (s *MongoStore) TouchPresence(ctx context.Context, room domain.RoomName, uid domain.UserID, at time.Time) error {
	return s.updatePresence(ctx, room, uid, bson.D{{Key: "lastSeen", Value: at}})
}

func (s *MongoStore) UpdatePresence(ctx context.Context, room domain.RoomName, uid domain.UserID, flags domain.PresenceFlags) error {
	set := bson.D{}
	if flags.IsMuted != nil {
		set = append(set, bson.E{Key: "isMuted", Value: *flags.IsMuted})
	}
	if flags.IsDeafened != nil {
		set = append(set, bson.E{Key: "isDeafened", Value: *flags.IsDeafened})
	}
	if flags.IsVideoOn != nil {
		set = append(set, bson.E{Key: "isVideoOn", Value: *flags.IsVideoOn})
	}
	if flags.IsScreenSharing != nil {
		set = append(set, bson.E{Key: "isScreenSharing", Value: *flags.IsScreenSharing})
	}
	if len(set) == 0 {
		return nil
	}
	return s.updatePresence(ctx, room, uid, set)
}

func (s *MongoStore) updatePresence(ctx context.Context, room domain.RoomName, uid domain.UserID, set bson.D) error {
	res, err := s.presence.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: presenceID(room, uid)}},
		bson.D{{Key: "$set", Value: set}},
	)
	if err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrPresenceGone
	}
	return nil
}

func (s *MongoStore) DeletePresence(ctx context.Context, room domain.RoomName, uid domain.UserID) error {
	if _, err := s.presence.DeleteOne(ctx, bson.D{{Key: "_id", Value: presenceID(room, uid)}}); err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	return nil
}

func (s *MongoStore) roster(ctx context.Context, room domain.RoomName) ([]domain.PresenceEntry, error) {
	cur, err := s.presence.Find(ctx, bson.D{{Key: "room", Value: room}},
		options.Find().SetSort(bson.D{{Key: "joinedAt", Value: 1}, {Key: "userId", Value: 1}}))
	if err != nil {
		return nil, err
	}
	out := make([]domain.PresenceEntry, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) WatchRoster(ctx context.Context, room domain.RoomName) (<-chan []domain.PresenceEntry, error) {
	// Deletes carry no full document, so match on the key prefix.
	cs, err := s.presence.Watch(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "documentKey._id", Value: bson.D{{Key: "$regex", Value: "^" + regexp.QuoteMeta(string(room)) + "/"}}},
		}}},
	})
	if err != nil {
		return nil, fmt.Errorf("watch roster: %w", err)
	}
	first, err := s.roster(ctx, room)
	if err != nil {
		_ = cs.Close(context.Background())
		return nil, fmt.Errorf("read roster: %w", err)
	}

	out := make(chan []domain.PresenceEntry)
	logger := log.With().Str("module", "signal.mongo").Str("room", string(room)).Logger()
	go func() {
		defer close(out)
		if !send(ctx, out, first) {
			_ = cs.Close(context.Background())
			return
		}
		follow(ctx, cs, logger, func(changeEvent[bson.Raw]) bool {
			entries, err := s.roster(ctx, room)
			if err != nil {
				logger.Error().Err(err).Msg("reload roster")
				return ctx.Err() == nil
			}
			return send(ctx, out, entries)
		})
	}()
	return out, nil
}

type sdpDoc struct {
	Type string `bson:"type"`
	SDP  string `bson:"sdp"`
}

func toSDPDoc(sd webrtc.SessionDescription) *sdpDoc {
	return &sdpDoc{Type: sd.Type.String(), SDP: sd.SDP}
}

func (d *sdpDoc) session() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

type offerDoc struct {
	ID        string    `bson:"_id"`
	From      string    `bson:"from"`
	To        string    `bson:"to"`
	RecordID  string    `bson:"recordId,omitempty"`
	Offer     *sdpDoc   `bson:"offer"`
	Answer    *sdpDoc   `bson:"answer,omitempty"`
	CreatedAt time.Time `bson:"createdAt"`
}

func (s *MongoStore) Register(ctx context.Context, self domain.PeerID) (<-chan core.Offer, error) {
	cs, err := s.offers.Watch(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: "insert"},
			{Key: "fullDocument.to", Value: string(self)},
		}}},
	})
	if err != nil {
		return nil, fmt.Errorf("register endpoint: %w", err)
	}
	out := make(chan core.Offer)
	logger := log.With().Str("module", "signal.mongo").Str("peer", string(self)).Logger()
	go func() {
		defer close(out)
		follow(ctx, cs, logger, func(ev changeEvent[offerDoc]) bool {
			doc := ev.FullDocument
			if doc == nil || doc.Offer == nil {
				return true
			}
			return send(ctx, out, core.Offer{
				ID:       doc.ID,
				From:     domain.PeerID(doc.From),
				To:       domain.PeerID(doc.To),
				RecordID: doc.RecordID,
				SDP:      doc.Offer.session(),
			})
		})
	}()
	return out, nil
}

func (s *MongoStore) Offer(ctx context.Context, o core.Offer) (webrtc.SessionDescription, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	// Watch before inserting so the answer cannot slip past.
	cs, err := s.offers.Watch(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: "update"},
			{Key: "documentKey._id", Value: o.ID},
		}}},
	}, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("watch offer: %w", err)
	}
	defer func() { _ = cs.Close(context.Background()) }()

	doc := offerDoc{
		ID:        o.ID,
		From:      string(o.From),
		To:        string(o.To),
		RecordID:  o.RecordID,
		Offer:     toSDPDoc(o.SDP),
		CreatedAt: time.Now(),
	}
	if _, err := s.offers.InsertOne(ctx, doc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("insert offer: %w", err)
	}
	defer func() {
		_, _ = s.offers.DeleteOne(context.Background(), bson.D{{Key: "_id", Value: o.ID}})
	}()

	for cs.Next(ctx) {
		var ev changeEvent[offerDoc]
		if err := cs.Decode(&ev); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("decode answer: %w", err)
		}
		if ev.FullDocument != nil && ev.FullDocument.Answer != nil {
			return ev.FullDocument.Answer.session(), nil
		}
	}
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{}, fmt.Errorf("wait answer: %w", cs.Err())
}

func (s *MongoStore) Answer(ctx context.Context, offerID string, sdp webrtc.SessionDescription) error {
	res, err := s.offers.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: offerID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "answer", Value: toSDPDoc(sdp)}}}},
	)
	if err != nil {
		return fmt.Errorf("answer offer: %w", err)
	}
	if res.MatchedCount == 0 {
		return core.ErrNoOffer
	}
	return nil
}
