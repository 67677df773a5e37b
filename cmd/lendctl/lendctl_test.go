package main

import (
	"bytes"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"reservebank/crypto"
	"reservebank/native/lending"
	statelending "reservebank/state/lending"
	"reservebank/storage"
)

type fixedSecret struct {
	value string
	err   error
}

func (f fixedSecret) Get() (string, error) { return f.value, f.err }

func testAddress(fill byte) crypto.Address {
	return crypto.NewAddress(crypto.UserPrefix, bytes.Repeat([]byte{fill}, crypto.AddressLength))
}

func TestIssueTokenClaims(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"
	now := time.Now()
	user := testAddress(0x11)
	token, err := issueToken(fixedSecret{value: secret}, tokenOptions{
		subject:  user.String(),
		scopes:   "lending:write, lending:read",
		ttl:      10 * time.Minute,
		issuer:   "lendctl",
		audience: "lendingd",
	}, now)
	require.NoError(t, err)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer("lendctl"), jwt.WithAudience("lendingd"))
	require.NoError(t, err)
	require.Equal(t, user.String(), claims["sub"])
	require.Equal(t, "lending:write lending:read", claims["scope"])
}

func TestIssueTokenRejectsBadInput(t *testing.T) {
	now := time.Now()
	_, err := issueToken(fixedSecret{value: "s"}, tokenOptions{subject: "nope", scopes: "lending:write"}, now)
	require.ErrorContains(t, err, "invalid -sub")

	_, err = issueToken(fixedSecret{value: "s"}, tokenOptions{subject: testAddress(1).String(), scopes: " , "}, now)
	require.ErrorContains(t, err, "scope")

	_, err = issueToken(fixedSecret{err: errors.New("no terminal")}, tokenOptions{subject: testAddress(1).String(), scopes: "lending:write"}, now)
	require.ErrorContains(t, err, "no terminal")
}

func TestWriteSnapshot(t *testing.T) {
	store := statelending.NewStore(storage.NewMemDB())
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	user := testAddress(0x22)

	bank := lending.NewBank(" USDC ", lending.BankParams{Decimals: 6, MaxLtvBps: 7_500, LiquidationThresholdBps: 8_000}.WithDefaults(), now)
	bank.TotalDepositShares = big.NewInt(1_000)
	require.NoError(t, store.Commit(&lending.Batch{
		Banks:    []*lending.Bank{bank},
		Accounts: []*lending.UserAccount{{Address: user, Assets: []string{bank.Asset}, CreatedAt: now}},
		Positions: []*lending.UserPosition{{
			User:          user,
			Asset:         bank.Asset,
			DepositShares: big.NewInt(1_000),
			BorrowShares:  big.NewInt(0),
		}},
	}))

	dir := filepath.Join(t.TempDir(), "out")
	banks, positions, err := writeSnapshot(dir, store)
	require.NoError(t, err)
	require.Equal(t, 1, banks)
	require.Equal(t, 1, positions)

	bankRows := make([]bankRow, 1)
	readParquet(t, filepath.Join(dir, "banks.parquet"), new(bankRow), &bankRows)
	require.Equal(t, "USDC", bankRows[0].Asset)
	require.Equal(t, int32(6), bankRows[0].Decimals)
	require.Equal(t, "1000", bankRows[0].TotalDepositShares)
	require.Equal(t, "1000", bankRows[0].TotalDeposits)
	require.Equal(t, int64(7_500), bankRows[0].MaxLtvBps)
	require.Equal(t, now.Format(time.RFC3339Nano), bankRows[0].LastAccrual)

	posRows := make([]positionRow, 1)
	readParquet(t, filepath.Join(dir, "positions.parquet"), new(positionRow), &posRows)
	require.Equal(t, user.String(), posRows[0].User)
	require.Equal(t, "USDC", posRows[0].Asset)
	require.Equal(t, "1000", posRows[0].DepositShares)
	require.Equal(t, "0", posRows[0].BorrowShares)
}

func readParquet(t *testing.T, path string, schema, dst interface{}) {
	t.Helper()
	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, schema, 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	require.Equal(t, int64(1), pr.GetNumRows())
	require.NoError(t, pr.Read(dst))
}

func TestRunSnapshotRequiresDataDir(t *testing.T) {
	err := runSnapshot(nil, &bytes.Buffer{})
	require.ErrorContains(t, err, "-data")
}

func TestKeygenWritesOperatorKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "op.key")
	var out bytes.Buffer
	require.NoError(t, runKeygen([]string{"-out", path}, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	addr, err := crypto.DecodeAddress(strings.TrimPrefix(lines[1], "Address: "))
	require.NoError(t, err)
	require.Equal(t, crypto.AdminPrefix, addr.Prefix())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	key, err := crypto.PrivateKeyFromBytes(raw)
	require.NoError(t, err)
	require.Equal(t, addr.String(), key.PubKey().Address(crypto.AdminPrefix).String())

	userAddr, err := keyAddress(path, string(crypto.UserPrefix))
	require.NoError(t, err)
	require.Equal(t, crypto.UserPrefix, userAddr.Prefix())
	require.True(t, userAddr.Equal(addr))

	out.Reset()
	require.NoError(t, runKeygen([]string{"-out", path, "-show"}, &out))
	require.Equal(t, "Address: "+addr.String()+"\n", out.String())
}

func TestKeygenRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	_, err := generateKey(filepath.Join(dir, "x.key"), "nhb")
	require.ErrorContains(t, err, "unsupported -prefix")

	existing := filepath.Join(dir, "taken.key")
	require.NoError(t, os.WriteFile(existing, []byte("keep"), 0o600))
	_, err = generateKey(existing, string(crypto.UserPrefix))
	require.ErrorContains(t, err, "already exists")
	raw, err := os.ReadFile(existing)
	require.NoError(t, err)
	require.Equal(t, "keep", string(raw))

	_, err = keyAddress(existing, string(crypto.UserPrefix))
	require.ErrorContains(t, err, "load key")
}
