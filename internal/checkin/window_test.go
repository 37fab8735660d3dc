package checkin

import "testing"

func TestToMinutes(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"00:00", 0, false},
		{"09:30", 570, false},
		{"23:59", 1439, false},
		{" 08:05 ", 485, false},
		{"24:00", 0, true},
		{"12:60", 0, true},
		{"12", 0, true},
		{"ab:cd", 0, true},
		{"", 0, true},
	}
	for _, c := range cases {
		got, err := ToMinutes(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ToMinutes(%q): expected error, got %d", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ToMinutes(%q): unexpected error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ToMinutes(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestInWindowDegenerate(t *testing.T) {
	for m := 0; m < MinutesPerDay; m += 97 {
		if InWindow(m, 540, 540) {
			t.Fatalf("degenerate window matched minute %d", m)
		}
	}
}

// A window of start != end must partition the day into exactly its length
// of matching minutes, whether or not it crosses midnight.
func TestInWindowPartition(t *testing.T) {
	cases := []struct {
		name       string
		start, end int
	}{
		{"morning", 540, 600},
		{"full day edge", 0, 1439},
		{"crosses midnight", 1380, 120},
		{"one past midnight", 1439, 0},
		{"single minute span", 600, 601},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			want := c.end - c.start + 1
			if c.start > c.end {
				want = (MinutesPerDay - c.start) + c.end + 1
			}
			got := 0
			for m := 0; m < MinutesPerDay; m++ {
				if InWindow(m, c.start, c.end) {
					got++
				}
			}
			if got != want {
				t.Errorf("window [%d,%d]: %d matching minutes, want %d", c.start, c.end, got, want)
			}
			// Boundary minutes are inclusive on both ends.
			if !InWindow(c.start, c.start, c.end) || !InWindow(c.end, c.start, c.end) {
				t.Errorf("window [%d,%d]: boundaries must match", c.start, c.end)
			}
		})
	}
}
