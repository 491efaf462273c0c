package chain

import (
	"math/big"
	"testing"
)

func TestMeanTickFloorsNegativeDeltas(t *testing.T) {
	cases := []struct {
		name    string
		delta   int64
		seconds int64
		want    int64
	}{
		{"positive exact", 120, 60, 2},
		{"positive truncates", 125, 60, 2},
		{"negative exact", -120, 60, -2},
		{"negative floors", -61, 60, -2},
		{"small negative floors", -1, 60, -1},
		{"zero", 0, 60, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := meanTick(big.NewInt(tc.delta), tc.seconds)
			if got != tc.want {
				t.Fatalf("meanTick(%d, %d) = %d, want %d", tc.delta, tc.seconds, got, tc.want)
			}
		})
	}
}
