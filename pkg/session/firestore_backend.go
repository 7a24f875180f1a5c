package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/aixgo-dev/advisor/pkg/identity"
)

// FirestoreConfig holds Firestore connection configuration.
type FirestoreConfig struct {
	// ProjectID is the GCP project (required).
	ProjectID string `yaml:"project_id"`
	// CredentialsFile is an optional service account key file; Application
	// Default Credentials are used otherwise.
	CredentialsFile string `yaml:"credentials_file"`
	// CollectionPrefix namespaces the turns and records collections.
	CollectionPrefix string `yaml:"collection_prefix"`
}

// FirestoreBackend implements Backend on Google Cloud Firestore.
//
// Turns are documents of the "<prefix>turns" collection queried by
// (actor, session, createdAt); this needs a composite index on those three
// fields. Session records are documents of "<prefix>session_records" whose ID
// is the actor key, updated inside Firestore transactions.
type FirestoreBackend struct {
	client  *firestore.Client
	turns   string
	records string
}

type firestoreTurn struct {
	Actor     string    `firestore:"actor"`
	Session   string    `firestore:"session"`
	Role      string    `firestore:"role"`
	Content   string    `firestore:"content"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type firestoreRecord struct {
	Sessions      []string  `firestore:"sessions"`
	LatestSession string    `firestore:"latestSession"`
	LastContactAt time.Time `firestore:"lastContactAt"`
	Version       int64     `firestore:"version"`
}

// NewFirestoreBackend creates a Firestore client for cfg.ProjectID.
// FIRESTORE_EMULATOR_HOST is honoured by the client library.
func NewFirestoreBackend(ctx context.Context, cfg FirestoreConfig) (*FirestoreBackend, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firestore project ID is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return NewFirestoreBackendFromClient(client, cfg.CollectionPrefix), nil
}

// NewFirestoreBackendFromClient wraps an existing client.
func NewFirestoreBackendFromClient(client *firestore.Client, prefix string) *FirestoreBackend {
	return &FirestoreBackend{
		client:  client,
		turns:   prefix + "turns",
		records: prefix + "session_records",
	}
}

func (b *FirestoreBackend) AppendTurn(ctx context.Context, turn Turn) error {
	_, _, err := b.client.Collection(b.turns).Add(ctx, firestoreTurn{
		Actor:     string(turn.Actor),
		Session:   turn.Session,
		Role:      string(turn.Role),
		Content:   turn.Content,
		CreatedAt: turn.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (b *FirestoreBackend) LoadTurns(ctx context.Context, scope Scope, limit int) ([]Turn, error) {
	q := b.client.Collection(b.turns).
		Where("actor", "==", string(scope.Actor)).
		Where("session", "==", scope.Session).
		OrderBy("createdAt", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	turns := []Turn{}
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("load turns: %w", err)
		}
		var ft firestoreTurn
		if err := doc.DataTo(&ft); err != nil {
			return nil, fmt.Errorf("decode turn %s: %w", doc.Ref.ID, err)
		}
		turns = append(turns, Turn{
			Actor:     identity.ActorKey(ft.Actor),
			Session:   ft.Session,
			Role:      Role(ft.Role),
			Content:   ft.Content,
			CreatedAt: ft.CreatedAt,
		})
	}
	slices.Reverse(turns)
	return turns, nil
}

// UpdateRecord runs fn inside a Firestore transaction. The client retries
// contended transactions itself; exhausting those retries is reported as
// ErrConflict.
func (b *FirestoreBackend) UpdateRecord(ctx context.Context, actor identity.ActorKey, fn UpdateFunc) (*SessionRecord, error) {
	ref := b.client.Collection(b.records).Doc(string(actor))
	var next *SessionRecord

	err := b.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		var cur *SessionRecord
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			cur, err = recordFromSnapshot(actor, snap)
			if err != nil {
				return err
			}
		}

		next, err = fn(cur)
		if err != nil {
			return err
		}
		return tx.Set(ref, firestoreRecord{
			Sessions:      next.Sessions,
			LatestSession: next.LatestSession,
			LastContactAt: next.LastContactAt,
			Version:       next.Version,
		})
	})
	if status.Code(err) == codes.Aborted {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}
	return next, nil
}

func (b *FirestoreBackend) LoadRecord(ctx context.Context, actor identity.ActorKey) (*SessionRecord, error) {
	snap, err := b.client.Collection(b.records).Doc(string(actor)).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return recordFromSnapshot(actor, snap)
}

func recordFromSnapshot(actor identity.ActorKey, snap *firestore.DocumentSnapshot) (*SessionRecord, error) {
	var fr firestoreRecord
	if err := snap.DataTo(&fr); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &SessionRecord{
		Actor:         actor,
		Sessions:      fr.Sessions,
		LatestSession: fr.LatestSession,
		LastContactAt: fr.LastContactAt,
		Version:       fr.Version,
	}, nil
}

// Ping issues a cheap read to verify connectivity.
func (b *FirestoreBackend) Ping(ctx context.Context) error {
	_, err := b.client.Collection(b.records).Doc("_ping").Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return err
	}
	return nil
}

func (b *FirestoreBackend) Close() error {
	return b.client.Close()
}
