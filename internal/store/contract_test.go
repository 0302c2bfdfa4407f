package store_test

import (
	"testing"

	"preflight-alerting/internal/store"
	"preflight-alerting/internal/store/storetest"
)

func TestMemory_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return store.NewMemory() })
}
