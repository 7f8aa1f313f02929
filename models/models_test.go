package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDealStatus(t *testing.T) {
	for _, s := range []DealStatus{StatusOpen, StatusInProcess, StatusTransferred, StatusCompleted} {
		got, err := ParseDealStatus(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	_, err := ParseDealStatus("cancelled")
	assert.Error(t, err)
}

func TestDealStatus_Next(t *testing.T) {
	path := []DealStatus{StatusOpen, StatusInProcess, StatusTransferred, StatusCompleted}
	for i := 0; i < len(path)-1; i++ {
		next, ok := path[i].Next()
		require.True(t, ok)
		assert.Equal(t, path[i+1], next)
	}
	_, ok := StatusCompleted.Next()
	assert.False(t, ok, "completed is terminal")
}

func TestDealStatus_HoldsEscrow(t *testing.T) {
	assert.False(t, StatusOpen.HoldsEscrow())
	assert.True(t, StatusInProcess.HoldsEscrow())
	assert.True(t, StatusTransferred.HoldsEscrow())
	assert.False(t, StatusCompleted.HoldsEscrow())
}

func TestDeal_Participants(t *testing.T) {
	d := Deal{SellerID: 1}
	assert.False(t, d.HasBuyer())
	assert.Equal(t, []int64{1}, d.Participants())
	assert.False(t, d.IsBuyer(2))

	buyer := int64(2)
	d.BuyerID = &buyer
	assert.True(t, d.IsBuyer(2))
	assert.Equal(t, []int64{1, 2}, d.Participants())
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "100", want: "100"},
		{in: " 12.5 ", want: "12.5"},
		{in: "12,5", want: "12.5"},
		{in: "0.0000005", want: "0.000001"},
		{in: "1.23456749", want: "1.234567"},
		{in: "0", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "0.0000001", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestParseDelta(t *testing.T) {
	d, err := ParseDelta("-5")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(-5).Equal(d))

	_, err = ParseDelta("0")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ParseDelta("five")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestNewEvent(t *testing.T) {
	ev := NewEvent(EventDealCompleted, "#A1", decimal.NewFromInt(20), 1, 2)
	assert.NotEqual(t, ev.ID, NewEvent(EventDealCompleted, "#A1", decimal.Zero).ID)
	assert.Equal(t, []int64{1, 2}, ev.Recipients)
	assert.False(t, ev.OccurredAt.IsZero())
}
