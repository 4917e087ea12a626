package calendar

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/oauth2"
)

type pgExecQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresTokenStore keeps one token row per calendar account in calendar_tokens.
//
//	CREATE TABLE calendar_tokens (
//	    account    TEXT PRIMARY KEY,
//	    token      BYTEA NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type PostgresTokenStore struct {
	db      pgExecQuerier
	account string
	codec   tokenCodec
}

func NewPostgresTokenStore(db pgExecQuerier, account, encryptionKey string) (*PostgresTokenStore, error) {
	codec, err := newTokenCodec(encryptionKey)
	if err != nil {
		return nil, err
	}
	if account == "" {
		account = "primary"
	}
	return &PostgresTokenStore{db: db, account: account, codec: codec}, nil
}

func (s *PostgresTokenStore) Load(ctx context.Context) (*oauth2.Token, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `
		SELECT token FROM calendar_tokens WHERE account = $1
	`, s.account).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, err
	}
	return s.codec.decode(data)
}

func (s *PostgresTokenStore) Save(ctx context.Context, tok *oauth2.Token) error {
	data, err := s.codec.encode(tok)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO calendar_tokens (account, token, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (account) DO UPDATE SET token = EXCLUDED.token, updated_at = now()
	`, s.account, data)
	return err
}

func (s *PostgresTokenStore) Delete(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM calendar_tokens WHERE account = $1
	`, s.account)
	return err
}
