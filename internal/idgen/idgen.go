// Package idgen mints identifiers for tenants, customers, webhooks and
// payment correlation.
package idgen

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TenantPrefix is the prefix on tenant ids.
const TenantPrefix = "ten_"

var now = time.Now

// New returns a random v4 UUID. Correlation ids travel through payment
// providers, so they carry no timestamp.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 24 hex chars: a 48-bit millisecond
// timestamp then 48 random bits. Ids from one prefix sort by creation.
func WithPrefix(prefix string) string {
	var b [12]byte
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(now().UnixMilli()))
	copy(b[:6], ts[2:])
	mustRead(b[6:])
	return prefix + hex.EncodeToString(b[:])
}

// Hex returns numBytes random bytes hex encoded.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	mustRead(b)
	return hex.EncodeToString(b)
}

func mustRead(b []byte) {
	if _, err := rand.Read(b); err != nil {
		panic("idgen: crypto/rand failed: " + err.Error())
	}
}

func TenantID() string {
	return WithPrefix(TenantPrefix)
}

// DatabaseName derives the tenant database name from its id. The result is a
// valid unquoted SQL identifier and a safe file name.
func DatabaseName(tenantID string) string {
	return "tenant_" + strings.TrimPrefix(tenantID, TenantPrefix)
}
