// Copyright 2025 The fawa Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fawa-io/uploadgate/pkg/fwlog"
)

const selectUserExists = `
		SELECT EXISTS (
			SELECT 1 FROM users
			WHERE id = $1 AND deleted_at IS NULL
		)
	`

// pgxConn is the subset of *pgxpool.Pool the directory uses.
type pgxConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresUsers looks accounts up in the application's users table.
type PostgresUsers struct {
	db pgxConn
}

// NewPostgresUsers opens a pool for dsn and checks the connection.
func NewPostgresUsers(ctx context.Context, dsn string) (*PostgresUsers, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping failed: %w", err)
	}

	fwlog.Info("db connected successfully")
	return &PostgresUsers{db: pool}, nil
}

// Exists implements the UserDirectory interface. Soft-deleted users do not
// exist.
func (p *PostgresUsers) Exists(ctx context.Context, userID string) (bool, error) {
	var ok bool
	if err := p.db.QueryRow(ctx, selectUserExists, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("lookup user %s: %w", userID, err)
	}
	return ok, nil
}

// Close closes the pool.
func (p *PostgresUsers) Close() {
	p.db.Close()
}

// StaticUsers is a fixed user directory for development. An empty set
// admits every user id.
type StaticUsers map[string]struct{}

// NewStaticUsers returns a directory containing ids.
func NewStaticUsers(ids ...string) StaticUsers {
	s := make(StaticUsers, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Exists implements the UserDirectory interface.
func (s StaticUsers) Exists(_ context.Context, userID string) (bool, error) {
	if len(s) == 0 {
		return true, nil
	}
	_, ok := s[userID]
	return ok, nil
}
