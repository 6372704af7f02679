package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/tinywideclouds/go-platform/pkg/net/v1"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"

	"github.com/tinywideclouds/werd-notification-service/pkg/notify"
)

const (
	endpointsCollection = "endpoints"
	membersCollection   = "members"
	groupsCollection    = "groups"
)

// Store implements dispatch.EndpointStore and dispatch.ProgressStore on
// Google Cloud Firestore.
type Store struct {
	client *firestore.Client
}

func NewStore(client *firestore.Client) *Store {
	return &Store{client: client}
}

// endpointRecord is the internal DB representation of one delivery target.
// It holds EITHER an FCM token OR a web subscription, never both.
type endpointRecord struct {
	Channel         string                            `firestore:"channel"`
	UserID          string                            `firestore:"user_id"`
	GroupID         string                            `firestore:"group_id"`
	Identity        string                            `firestore:"identity"`
	Token           string                            `firestore:"token,omitempty"`
	WebSubscription *notification.WebPushSubscription `firestore:"web_subscription,omitempty"`
	UpdatedAt       time.Time                         `firestore:"updated_at"`
}

// memberRecord tracks one user's daily progress inside one group. The
// email fields feed the goal-celebration mail fan-out.
type memberRecord struct {
	GroupID      string `firestore:"group_id"`
	UserID       string `firestore:"user_id"`
	Email        string `firestore:"email,omitempty"`
	EmailOnGoal  bool   `firestore:"email_on_goal"`
	PagesToday   int64  `firestore:"pages_today"`
	TasbeehToday int64  `firestore:"tasbeeh_today"`
}

type groupRecord struct {
	Name       string `firestore:"name"`
	GoalAmount int64  `firestore:"goal_amount"`
}

// --- Registration ---

func (s *Store) RegisterFCM(ctx context.Context, user urn.URN, groupID string, token string) error {
	record := endpointRecord{
		Channel:   string(notify.ChannelFCM),
		UserID:    user.String(),
		GroupID:   groupID,
		Identity:  token,
		Token:     token,
		UpdatedAt: time.Now().UTC(),
	}
	_, err := s.endpointRef(record).Set(ctx, record)
	return err
}

func (s *Store) RegisterWeb(ctx context.Context, user urn.URN, groupID string, sub notification.WebPushSubscription) error {
	record := endpointRecord{
		Channel:         string(notify.ChannelWebPush),
		UserID:          user.String(),
		GroupID:         groupID,
		Identity:        sub.Endpoint,
		WebSubscription: &sub,
		UpdatedAt:       time.Now().UTC(),
	}
	_, err := s.endpointRef(record).Set(ctx, record)
	return err
}

func (s *Store) UnregisterFCM(ctx context.Context, user urn.URN, token string) error {
	return s.deleteWhere(ctx, s.client.Collection(endpointsCollection).
		Where("user_id", "==", user.String()).
		Where("identity", "==", token))
}

func (s *Store) UnregisterWeb(ctx context.Context, user urn.URN, endpoint string) error {
	return s.deleteWhere(ctx, s.client.Collection(endpointsCollection).
		Where("user_id", "==", user.String()).
		Where("identity", "==", endpoint))
}

// --- Fan-out lookups ---

// GroupEndpoints returns every delivery target registered for a group:
// push endpoints from the endpoints collection plus email targets from
// the member roster.
func (s *Store) GroupEndpoints(ctx context.Context, groupID string) ([]notify.Endpoint, error) {
	endpoints, err := s.queryEndpoints(ctx, s.client.Collection(endpointsCollection).
		Where("group_id", "==", groupID))
	if err != nil {
		return nil, err
	}

	iter := s.client.Collection(membersCollection).
		Where("group_id", "==", groupID).
		Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("member iteration failed: %w", err)
		}
		var member memberRecord
		if err := doc.DataTo(&member); err != nil {
			continue
		}
		if member.Email == "" || !member.EmailOnGoal {
			continue
		}
		owner, err := urn.Parse(member.UserID)
		if err != nil {
			continue
		}
		endpoints = append(endpoints, notify.Endpoint{
			Channel: notify.ChannelEmail,
			Owner:   owner,
			GroupID: groupID,
			Address: member.Email,
		})
	}

	return endpoints, nil
}

func (s *Store) UserEndpoints(ctx context.Context, user urn.URN) ([]notify.Endpoint, error) {
	return s.queryEndpoints(ctx, s.client.Collection(endpointsCollection).
		Where("user_id", "==", user.String()))
}

// --- Pruning ---

// DeleteEndpoint removes every registration of a dead target, across all
// groups it was registered for. Deleting an already-gone endpoint is a
// no-op.
func (s *Store) DeleteEndpoint(ctx context.Context, ep notify.Endpoint) error {
	identity := ep.Identity()
	if identity == "" {
		return nil
	}
	return s.deleteWhere(ctx, s.client.Collection(endpointsCollection).
		Where("channel", "==", string(ep.Channel)).
		Where("identity", "==", identity))
}

func (s *Store) DeleteUserEndpoints(ctx context.Context, user urn.URN) error {
	return s.deleteWhere(ctx, s.client.Collection(endpointsCollection).
		Where("user_id", "==", user.String()))
}

// --- Daily progress ---

// OutstandingGoals joins the member roster against group goals and
// returns, per user, the groups where today's pages fall short.
func (s *Store) OutstandingGoals(ctx context.Context) (map[string][]notify.GroupProgress, error) {
	goals, err := s.loadGroups(ctx)
	if err != nil {
		return nil, err
	}

	outstanding := make(map[string][]notify.GroupProgress)
	iter := s.client.Collection(membersCollection).Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("member iteration failed: %w", err)
		}
		var member memberRecord
		if err := doc.DataTo(&member); err != nil {
			continue
		}
		group, ok := goals[member.GroupID]
		if !ok || group.GoalAmount <= 0 {
			continue
		}
		remaining := group.GoalAmount - member.PagesToday
		if remaining <= 0 {
			continue
		}
		outstanding[member.UserID] = append(outstanding[member.UserID], notify.GroupProgress{
			GroupID:   member.GroupID,
			GroupName: group.Name,
			Remaining: int(remaining),
		})
	}

	return outstanding, nil
}

// ResetDailyTasbeeh zeroes every member's daily tasbeeh counter.
func (s *Store) ResetDailyTasbeeh(ctx context.Context) error {
	iter := s.client.Collection(membersCollection).
		Where("tasbeeh_today", ">", 0).
		Documents(ctx)
	defer iter.Stop()

	bw := s.client.BulkWriter(ctx)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("member iteration failed: %w", err)
		}
		if _, err := bw.Update(doc.Ref, []firestore.Update{
			{Path: "tasbeeh_today", Value: 0},
		}); err != nil {
			return fmt.Errorf("tasbeeh reset failed: %w", err)
		}
	}
	bw.End()
	return nil
}

// --- Helpers ---

func (s *Store) queryEndpoints(ctx context.Context, q firestore.Query) ([]notify.Endpoint, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	endpoints := make([]notify.Endpoint, 0)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("endpoint iteration failed: %w", err)
		}
		var record endpointRecord
		if err := doc.DataTo(&record); err != nil {
			// Safe to skip corrupt rows.
			continue
		}
		owner, err := urn.Parse(record.UserID)
		if err != nil {
			continue
		}
		endpoints = append(endpoints, notify.Endpoint{
			Channel:      notify.Channel(record.Channel),
			Owner:        owner,
			GroupID:      record.GroupID,
			Token:        record.Token,
			Subscription: record.WebSubscription,
		})
	}
	return endpoints, nil
}

// loadGroups reads the whole groups collection into a map keyed by group
// ID, for the roster join in OutstandingGoals.
func (s *Store) loadGroups(ctx context.Context) (map[string]groupRecord, error) {
	iter := s.client.Collection(groupsCollection).Documents(ctx)
	defer iter.Stop()

	groups := make(map[string]groupRecord)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("group iteration failed: %w", err)
		}
		var record groupRecord
		if err := doc.DataTo(&record); err != nil {
			continue
		}
		groups[doc.Ref.ID] = record
	}
	return groups, nil
}

func (s *Store) deleteWhere(ctx context.Context, q firestore.Query) error {
	iter := q.Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return fmt.Errorf("endpoint iteration failed: %w", err)
		}
		if _, err := doc.Ref.Delete(ctx); err != nil {
			return fmt.Errorf("endpoint delete failed: %w", err)
		}
	}
}

// endpointRef: endpoints/{sha256(channel|group|identity)}. Hashing keeps
// doc IDs short and avoids hot-spotting on raw endpoint URLs.
func (s *Store) endpointRef(record endpointRecord) *firestore.DocumentRef {
	sum := sha256.Sum256([]byte(record.Channel + "|" + record.GroupID + "|" + record.Identity))
	return s.client.Collection(endpointsCollection).Doc(hex.EncodeToString(sum[:]))
}
