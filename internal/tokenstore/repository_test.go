package tokenstore_test

import (
	"testing"

	"tenant-auth/internal/db/dbtest"
	"tenant-auth/internal/tokenstore"
	"tenant-auth/internal/tokenstore/storetest"
)

func TestRepository(t *testing.T) {
	storetest.Run(t, func(t *testing.T) tokenstore.Store {
		return tokenstore.NewRepository(dbtest.Open(t))
	})
}
