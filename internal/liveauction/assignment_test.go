package liveauction

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseAssignment(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  []int64
	}{
		{"empty", "", nil},
		{"blank", "  ", nil},
		{"single", "7", []int64{7}},
		{"sorted", "9,3,5", []int64{3, 5, 9}},
		{"malformed skipped", "4,x,,2", []int64{2, 4}},
		{"spaces", " 1, 2 ", []int64{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseAssignment(tt.value))
		})
	}
}

func TestFormatAssignment(t *testing.T) {
	assert.Equal(t, "", FormatAssignment(nil))
	assert.Equal(t, "3,5,9", FormatAssignment([]int64{3, 5, 9}))
	assert.Equal(t, []int64{3, 5, 9}, ParseAssignment(FormatAssignment([]int64{9, 5, 3})))
}

func TestAssignRoundRobin(t *testing.T) {
	a := Assignments{"a": {1}, "b": nil}
	AssignRoundRobin(a, []string{"a", "b"}, []int64{10, 11, 12})
	assert.Equal(t, []int64{1, 10, 12}, a["a"])
	assert.Equal(t, []int64{11}, a["b"])

	empty := Assignments{}
	AssignRoundRobin(empty, nil, []int64{1})
	assert.Empty(t, empty)
}

func TestRebalanceFillsNewMember(t *testing.T) {
	a := Assignments{"a": {1, 2, 3, 4}, "b": {5, 6}, "c": nil}
	members := []string{"a", "b", "c"}
	Rebalance(a, members)

	assert.Equal(t, 6, a.Total())
	for _, m := range members {
		assert.GreaterOrEqual(t, len(a[m]), 2, m)
	}
	// surplus comes off the front of the longest list
	assert.Equal(t, []int64{3, 4}, a["a"])
	assert.Equal(t, []int64{5, 6}, a["b"])
	assert.Equal(t, []int64{1, 2}, a["c"])
}

func TestRebalanceDealsRemainder(t *testing.T) {
	a := Assignments{"a": {1, 2, 3, 4, 5, 6, 7}, "b": nil}
	Rebalance(a, []string{"a", "b"})

	assert.Equal(t, 7, a.Total())
	assert.Len(t, a["a"], 4)
	assert.Len(t, a["b"], 3)
}

func TestRebalanceTopsUpShortMembers(t *testing.T) {
	a := Assignments{"a": {1, 2, 3, 4, 5}, "b": {6, 7}, "c": {8, 9}}
	Rebalance(a, []string{"a", "b", "c"})

	assert.Equal(t, []int64{3, 4, 5}, a["a"])
	assert.Equal(t, []int64{6, 7, 1}, a["b"])
	assert.Equal(t, []int64{8, 9, 2}, a["c"])
}

func TestRebalanceLeavesFairSplitAlone(t *testing.T) {
	fair := Assignments{"a": {1, 2, 3, 4, 5}, "b": {6, 7}, "c": {8, 9}, "d": {10, 11}}
	Rebalance(fair, []string{"a", "b", "c", "d"})

	// floor(11/4) = 2 is already met everywhere
	assert.Equal(t, Assignments{"a": {1, 2, 3, 4, 5}, "b": {6, 7}, "c": {8, 9}, "d": {10, 11}}, fair)
}

func TestAssignmentsContains(t *testing.T) {
	a := Assignments{"a": {1, 2}, "b": {3}}
	assert.True(t, a.Contains(3))
	assert.False(t, a.Contains(4))
	assert.Equal(t, 3, a.Total())
}
