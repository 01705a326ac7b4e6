package lending

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "P2PLend-Chain/internal/errors"
)

func TestToBaseUnits(t *testing.T) {
	cases := []struct {
		amount   string
		decimals uint8
		want     string
	}{
		{"100", 18, "100000000000000000000"},
		{"100", 6, "100000000"},
		{"0.5", 18, "500000000000000000"},
		{"1.000001", 6, "1000001"},
		{"0", 18, "0"},
		{" 42 ", 0, "42"},
		{"1.50", 1, "15"},
		{"123456789012345678901234567890", 18, "123456789012345678901234567890000000000000000000"},
	}
	for _, tc := range cases {
		got, err := ToBaseUnits(tc.amount, tc.decimals)
		require.NoError(t, err, tc.amount)
		assert.Equal(t, tc.want, got.String(), "%s @ %d", tc.amount, tc.decimals)
	}
}

func TestToBaseUnitsMatchesExponent(t *testing.T) {
	for decimals := uint8(0); decimals <= 30; decimals++ {
		got, err := ToBaseUnits("7", decimals)
		require.NoError(t, err)
		want := new(big.Int).Mul(big.NewInt(7), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
		assert.Equal(t, 0, want.Cmp(got), "decimals %d", decimals)
	}
}

func TestToBaseUnitsRejects(t *testing.T) {
	for _, amount := range []string{"", "abc", "-1", "1.234"} {
		_, err := ToBaseUnits(amount, 2)
		require.Error(t, err, amount)
		assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err), amount)
	}
}

func TestFromBaseUnits(t *testing.T) {
	value, _ := new(big.Int).SetString("105000000000000000000", 10)
	assert.Equal(t, "105", FromBaseUnits(value, 18))
	assert.Equal(t, "1.5", FromBaseUnits(big.NewInt(1_500_000), 6))
	assert.Equal(t, "0", FromBaseUnits(nil, 18))
}

func TestRequestFromParams(t *testing.T) {
	req, err := RequestFromParams(OpCreateOffer, map[string]string{
		ParamPrincipal:   "250",
		ParamInterestBps: "750",
		ParamDuration:    "86400",
		ParamOfferID:     "12",
		ParamSpender:     "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		ParamAmount:      "",
	})
	require.NoError(t, err)
	assert.Equal(t, "250", req.Principal)
	require.NotNil(t, req.InterestBps)
	assert.Equal(t, uint64(750), *req.InterestBps)
	require.NotNil(t, req.Duration)
	assert.Equal(t, 24*time.Hour, *req.Duration)
	assert.Equal(t, "12", req.OfferID.String())
	assert.Equal(t, common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"), req.Spender)
	assert.Empty(t, req.Amount)

	assert.Equal(t, map[string]string{
		ParamPrincipal:   "250",
		ParamInterestBps: "750",
		ParamDuration:    "86400",
		ParamOfferID:     "12",
		ParamSpender:     "0x5FbDB2315678afecb367f032d93F642f64180aa3",
	}, req.Params())
}

func TestRequestFromParamsRejects(t *testing.T) {
	for key, value := range map[string]string{
		ParamSpender:     "alice",
		ParamInterestBps: "-5",
		ParamDuration:    "soon",
		ParamOfferID:     "x",
		"collateral":     "1",
	} {
		_, err := RequestFromParams(OpApprove, map[string]string{key: value})
		require.Error(t, err, key)
		assert.Equal(t, key, xerrors.MetadataOf(err)["param"])
	}
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("2592000")
	require.NoError(t, err)
	assert.Equal(t, 720*time.Hour, d)

	d, err = ParseDuration("720h")
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, d)

	d, err = ParseDuration(" 48h ")
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, d)

	d, err = ParseDuration("9223372036")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(9223372036)*time.Second, d)

	for _, value := range []string{"0", "-60", "0s", "-1h", "9223372037", "100000000000", "soon"} {
		_, err := ParseDuration(value)
		assert.Error(t, err, value)
	}
}

func TestExplicitZeroDurationIsNotReplacedByDefault(t *testing.T) {
	_, err := RequestFromParams(OpCreateOffer, map[string]string{ParamDuration: "0"})
	require.Error(t, err)
	assert.Equal(t, ParamDuration, xerrors.MetadataOf(err)["param"])

	req, err := RequestFromParams(OpCreateOffer, map[string]string{ParamPrincipal: "1"})
	require.NoError(t, err)
	assert.Nil(t, req.Duration)
	filled := req.withDefaults(Defaults{Duration: time.Hour})
	require.NotNil(t, filled.Duration)
	assert.Equal(t, time.Hour, *filled.Duration)

	zero := time.Duration(0)
	kept := Request{Duration: &zero}.withDefaults(Defaults{Duration: time.Hour})
	assert.Equal(t, time.Duration(0), *kept.Duration)
}

func TestParseOperation(t *testing.T) {
	op, err := ParseOperation(" Create-Offer ")
	require.NoError(t, err)
	assert.Equal(t, OpCreateOffer, op)

	_, err = ParseOperation("liquidate")
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}
