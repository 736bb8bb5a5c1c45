// Package blobsession stores session records as JSON documents in a blobstore (memory or S3).
package blobsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ayumi-zama/ayumi/internal/blobstore"
	"github.com/ayumi-zama/ayumi/internal/session"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidConfig = errors.New("blobsession: invalid config")
	ErrConflict      = errors.New("blobsession: concurrent update")
)

const (
	documentVersion = "session.v1"
	keyPrefix       = "sessions/"

	maxSaveAttempts = 3
)

type Store struct {
	blobs blobstore.Store
}

var _ session.Store = (*Store)(nil)

func New(blobs blobstore.Store) (*Store, error) {
	if blobs == nil {
		return nil, fmt.Errorf("%w: nil blobstore", ErrInvalidConfig)
	}
	return &Store{blobs: blobs}, nil
}

type revealedDoc struct {
	Value      string    `json:"value"`
	RevealedAt time.Time `json:"revealedAt"`
}

type depositDoc struct {
	Amount    uint64 `json:"amount"`
	Approved  bool   `json:"approved"`
	ApproveTx string `json:"approveTx"`
}

type document struct {
	Version       string       `json:"version"`
	ID            string       `json:"id"`
	Wallet        string       `json:"wallet"`
	ChainID       uint64       `json:"chainId"`
	Step          string       `json:"step"`
	BalanceHandle string       `json:"balanceHandle"`
	Revealed      *revealedDoc `json:"revealed,omitempty"`
	Deposit       depositDoc   `json:"deposit"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

func encode(rec session.Record) ([]byte, error) {
	doc := document{
		Version:       documentVersion,
		ID:            rec.ID,
		Wallet:        rec.Wallet.Hex(),
		ChainID:       rec.ChainID,
		Step:          rec.Step.String(),
		BalanceHandle: rec.BalanceHandle.Hex(),
		Deposit: depositDoc{
			Amount:    rec.Deposit.Amount,
			Approved:  rec.Deposit.Approved,
			ApproveTx: rec.Deposit.ApproveTx.Hex(),
		},
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if rec.Revealed != nil {
		doc.Revealed = &revealedDoc{Value: rec.Revealed.Value, RevealedAt: rec.Revealed.RevealedAt}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("blobsession: marshal: %w", err)
	}
	return b, nil
}

func decode(b []byte) (session.Record, error) {
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return session.Record{}, fmt.Errorf("blobsession: unmarshal: %w", err)
	}
	if doc.Version != documentVersion {
		return session.Record{}, fmt.Errorf("blobsession: unexpected document version %q", doc.Version)
	}
	if !common.IsHexAddress(doc.Wallet) {
		return session.Record{}, fmt.Errorf("blobsession: bad wallet %q", doc.Wallet)
	}
	step, err := session.ParseStep(doc.Step)
	if err != nil {
		return session.Record{}, err
	}
	rec := session.Record{
		ID:            doc.ID,
		Wallet:        common.HexToAddress(doc.Wallet),
		ChainID:       doc.ChainID,
		Step:          step,
		BalanceHandle: common.HexToHash(doc.BalanceHandle),
		Deposit: session.DepositProgress{
			Amount:    doc.Deposit.Amount,
			Approved:  doc.Deposit.Approved,
			ApproveTx: common.HexToHash(doc.Deposit.ApproveTx),
		},
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	if doc.Revealed != nil {
		rec.Revealed = &session.RevealedBalance{Value: doc.Revealed.Value, RevealedAt: doc.Revealed.RevealedAt}
	}
	if err := rec.Validate(); err != nil {
		return session.Record{}, err
	}
	return rec, nil
}

func key(id string) string { return keyPrefix + id + ".json" }

func (s *Store) Create(ctx context.Context, rec session.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	b, err := encode(rec)
	if err != nil {
		return err
	}
	_, err = s.blobs.Put(ctx, key(rec.ID), b, blobstore.PutOptions{
		ContentType: "application/json",
		IfAbsent:    true,
	})
	if errors.Is(err, blobstore.ErrPreconditionFailed) {
		return session.ErrAlreadyExists
	}
	return err
}

func (s *Store) Get(ctx context.Context, id string) (session.Record, error) {
	rec, _, err := s.get(ctx, id)
	return rec, err
}

func (s *Store) get(ctx context.Context, id string) (session.Record, string, error) {
	if id == "" {
		return session.Record{}, "", session.ErrInvalidInput
	}
	obj, err := s.blobs.Get(ctx, key(id))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return session.Record{}, "", session.ErrNotFound
		}
		return session.Record{}, "", err
	}
	rec, err := decode(obj.Data)
	if err != nil {
		return session.Record{}, "", err
	}
	return rec, obj.ETag, nil
}

// Save overwrites the record with a compare-and-swap on the stored ETag. A revealed balance
// already stored, and the handle it was read from, is never replaced.
func (s *Store) Save(ctx context.Context, rec session.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		cur, etag, err := s.get(ctx, rec.ID)
		if err != nil {
			return err
		}
		next := rec
		if cur.Revealed != nil {
			rb := *cur.Revealed
			next.Revealed = &rb
			next.BalanceHandle = cur.BalanceHandle
		}
		b, err := encode(next)
		if err != nil {
			return err
		}
		_, err = s.blobs.Put(ctx, key(rec.ID), b, blobstore.PutOptions{
			ContentType: "application/json",
			IfMatch:     etag,
		})
		if errors.Is(err, blobstore.ErrPreconditionFailed) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: %s", ErrConflict, rec.ID)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return session.ErrInvalidInput
	}
	return s.blobs.Delete(ctx, key(id))
}
