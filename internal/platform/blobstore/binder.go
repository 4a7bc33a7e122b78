package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Binder attaches uploaded files to the referral whose document URLs name them.
type Binder struct {
	store  Store
	prefix string
}

func NewBinder(store Store, prefix string) *Binder {
	return &Binder{store: store, prefix: strings.TrimRight(prefix, "/") + "/files/"}
}

// Bind attaches every file under the upload prefix owned by orgID. URLs that
// point elsewhere, name unknown files or files of another organization are
// left alone.
func (b *Binder) Bind(ctx context.Context, orgID, referralID uuid.UUID, urls []string) error {
	for _, u := range urls {
		id, ok := b.fileID(u)
		if !ok {
			continue
		}
		f, err := b.store.Stat(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("stat file %s: %w", id, err)
		}
		if f.OrganizationID != orgID {
			continue
		}
		if err := b.store.Attach(ctx, id, referralID); err != nil {
			return fmt.Errorf("attach file %s: %w", id, err)
		}
	}
	return nil
}

func (b *Binder) fileID(u string) (uuid.UUID, bool) {
	i := strings.Index(u, b.prefix)
	if i < 0 {
		return uuid.Nil, false
	}
	rest := strings.TrimSuffix(u[i+len(b.prefix):], "/")
	id, err := uuid.Parse(rest)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
