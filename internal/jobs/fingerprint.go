package jobs

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/lox/floodbayes/internal/models"
)

// Fingerprint hashes a series' timestamps and backscatter values. A stored
// model is stale when the fingerprint of the current series differs from the
// one it was fitted from.
func Fingerprint(series []models.Observation) string {
	h := xxhash.New()
	var buf [16]byte
	for _, o := range series {
		v := math.NaN()
		if o.Sigma0.Valid {
			v = o.Sigma0.Float64
		}
		binary.LittleEndian.PutUint64(buf[:8], uint64(o.ObservedAt.UnixNano()))
		binary.LittleEndian.PutUint64(buf[8:], math.Float64bits(v))
		h.Write(buf[:])
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
