package kvengine_test

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/genivi/pcokv/pkg/kvengine"
)

// Test_Database_MatchesModel_Property runs a sequence of random put/delete/
// get operations against both a trivial in-memory map (the model) and a
// real Database, asserting their observable state matches after every
// step. Grounded on the teacher's pkg/slotcache state-model property
// tests: not an on-disk-format compliance test, just "does every
// operation leave the two in the same PUBLICLY observable state".
func Test_Database_MatchesModel_Property(t *testing.T) {
	t.Parallel()

	const seedCount = 10
	const opsPerSeed = 150

	for i := 0; i < seedCount; i++ {
		seed := int64(i + 1)

		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			t.Parallel()

			rng := rand.New(rand.NewSource(seed))

			db := openFresh(t, kvengine.Options{Mode: kvengine.ModeWriteThrough})

			model := map[string]string{}

			for step := 0; step < opsPerSeed; step++ {
				switch rng.Intn(3) {
				case 0: // put
					k := randKey(rng)
					v := randValue(rng)

					err := db.Write([]byte(k), []byte(v))
					require.NoError(t, err)

					model[k] = v

				case 1: // delete
					k := pickExistingOrRandomKey(rng, model)

					err := db.Delete([]byte(k))

					if _, existed := model[k]; existed {
						require.NoError(t, err)
						delete(model, k)
					} else {
						require.ErrorIs(t, err, kvengine.ErrNotFound)
					}

				case 2: // get
					k := pickExistingOrRandomKey(rng, model)

					got, err := db.Read([]byte(k))

					want, existed := model[k]
					if existed {
						require.NoError(t, err)
						require.Equal(t, want, string(got))
					} else {
						require.ErrorIs(t, err, kvengine.ErrNotFound)
					}
				}
			}

			assertListingMatchesModel(t, db, model)
		})
	}
}

func assertListingMatchesModel(t *testing.T, db *kvengine.Database, model map[string]string) {
	t.Helper()

	size, err := db.ListSize()
	require.NoError(t, err)

	buf := make([]byte, size)
	n, err := db.ListKeys(buf)
	require.NoError(t, err)

	got := splitNUL(buf[:n])
	sort.Strings(got)

	want := make([]string, 0, len(model))
	for k := range model {
		want = append(want, k)
	}

	sort.Strings(want)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("live key set diverged from model (-want +got):\n%s", diff)
	}
}

func randKey(rng *rand.Rand) string {
	n := 1 + rng.Intn(8)
	b := make([]byte, n)

	for i := range b {
		b[i] = byte('a' + rng.Intn(6))
	}

	return string(b)
}

func randValue(rng *rand.Rand) string {
	n := rng.Intn(16)
	b := make([]byte, n)

	for i := range b {
		b[i] = byte('A' + rng.Intn(10))
	}

	return string(b)
}

func pickExistingOrRandomKey(rng *rand.Rand, model map[string]string) string {
	if len(model) > 0 && rng.Intn(2) == 0 {
		keys := make([]string, 0, len(model))
		for k := range model {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		return keys[rng.Intn(len(keys))]
	}

	return randKey(rng)
}
