package orchestration

import "testing"

func TestLimitStatDelta(t *testing.T) {
	testCases := []struct {
		name     string
		current  int
		delta    int
		expected int
	}{
		{name: "within limit", current: 50, delta: 10, expected: 10},
		{name: "above limit", current: 50, delta: 25, expected: 10},
		{name: "negative above limit", current: 50, delta: -40, expected: -10},
		{name: "minimum step at zero", current: 0, delta: 5, expected: 1},
		{name: "small value uses minimum step", current: 3, delta: -2, expected: -1},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := limitStatDelta(testCase.current, testCase.delta, 0.2, 1); got != testCase.expected {
				t.Fatalf("expected %d, got %d", testCase.expected, got)
			}
		})
	}
}
