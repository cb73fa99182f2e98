package main

import (
	"flag"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"

	"bountyescrow/cmd/internal/passphrase"
	"bountyescrow/crypto"
	"bountyescrow/rpc"
)

const (
	jwtSecretEnv    = "ESCROW_JWT_SECRET"
	keystorePassEnv = "ESCROW_KEYSTORE_PASS"
)

var (
	escrowNow = time.Now
	// secretSource resolves a secret from env or the terminal; swapped in tests.
	secretSource = func(envVar, label string) func() (string, error) {
		return passphrase.NewSource(envVar, label).Get
	}
)

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprintln(stderr, usage()) }
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string, stderr io.Writer) bool {
	if err := fs.Parse(args); err != nil {
		return false
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return false
	}
	return true
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	out := fs.String("out", "", "keystore file to create")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(*out) == "" {
		return printError(stderr, "--out is required")
	}
	pass, err := secretSource(keystorePassEnv, "keystore passphrase")()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, err.Error())
	}
	addr, err := crypto.SaveToKeystore(*out, key, pass)
	if err != nil {
		return printError(stderr, fmt.Sprintf("write keystore: %v", err))
	}
	fmt.Fprintln(stdout, addr.String())
	return 0
}

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token", stderr)
	subject := fs.String("subject", "", "bech32 account the token speaks for")
	keystorePath := fs.String("keystore", "", "derive the subject from this keystore")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	issuer := fs.String("issuer", "", "iss claim")
	audience := fs.String("audience", "", "aud claim")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	var addr [20]byte
	switch {
	case strings.TrimSpace(*subject) != "" && strings.TrimSpace(*keystorePath) != "":
		return printError(stderr, "use either --subject or --keystore")
	case strings.TrimSpace(*subject) != "":
		parsed, err := crypto.ParseAddress(*subject)
		if err != nil {
			return printError(stderr, fmt.Sprintf("--subject: %v", err))
		}
		addr = parsed
	case strings.TrimSpace(*keystorePath) != "":
		pass, err := secretSource(keystorePassEnv, "keystore passphrase")()
		if err != nil {
			return printError(stderr, err.Error())
		}
		key, err := crypto.LoadFromKeystore(*keystorePath, pass)
		if err != nil {
			return printError(stderr, fmt.Sprintf("open keystore: %v", err))
		}
		addr = key.PubKey().Address().Raw()
	default:
		return printError(stderr, "--subject or --keystore is required")
	}
	secret, err := secretSource(jwtSecretEnv, "RPC signing secret")()
	if err != nil {
		return printError(stderr, err.Error())
	}
	token, err := rpc.IssueToken(secret, *issuer, *audience, addr, *ttl)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func runLock(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("lock", stderr)
	bounty := fs.String("bounty", "", "bounty id")
	amount := fs.String("amount", "", "amount to lock (supports 5e18 shorthand)")
	deadline := fs.String("deadline", "", "deadline as +duration, RFC3339 or unix seconds")
	depositor := fs.String("depositor", "", "depositor account (defaults to the token subject)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := validateBountyID(*bounty); err != nil {
		return printError(stderr, err.Error())
	}
	normalized, err := normalizeAmount(*amount)
	if err != nil {
		return printError(stderr, err.Error())
	}
	deadlineUnix, err := parseDeadline(*deadline, escrowNow())
	if err != nil {
		return printError(stderr, err.Error())
	}
	params := map[string]interface{}{
		"bountyId": strings.TrimSpace(*bounty),
		"amount":   normalized,
		"deadline": deadlineUnix,
	}
	if strings.TrimSpace(*depositor) != "" {
		params["depositor"] = strings.TrimSpace(*depositor)
	}
	return invoke("escrow_lock", params, true, stdout, stderr)
}

func runRelease(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("release", stderr)
	bounty := fs.String("bounty", "", "bounty id")
	to := fs.String("to", "", "contributor account")
	amount := fs.String("amount", "", "partial amount (omit to release everything)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := validateBountyID(*bounty); err != nil {
		return printError(stderr, err.Error())
	}
	if strings.TrimSpace(*to) == "" {
		return printError(stderr, "--to is required")
	}
	params := map[string]interface{}{
		"bountyId":    strings.TrimSpace(*bounty),
		"contributor": strings.TrimSpace(*to),
	}
	if strings.TrimSpace(*amount) != "" {
		normalized, err := normalizeAmount(*amount)
		if err != nil {
			return printError(stderr, err.Error())
		}
		params["amount"] = normalized
	}
	return invoke("escrow_release", params, true, stdout, stderr)
}

func runRefund(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("refund", stderr)
	bounty := fs.String("bounty", "", "bounty id")
	mode := fs.String("mode", "full", "full, partial or custom")
	amount := fs.String("amount", "", "amount for partial and custom refunds")
	recipient := fs.String("recipient", "", "recipient for custom refunds")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := validateBountyID(*bounty); err != nil {
		return printError(stderr, err.Error())
	}
	params := map[string]interface{}{
		"bountyId": strings.TrimSpace(*bounty),
		"mode":     strings.ToLower(strings.TrimSpace(*mode)),
	}
	switch params["mode"] {
	case "full":
	case "partial", "custom":
		normalized, err := normalizeAmount(*amount)
		if err != nil {
			return printError(stderr, err.Error())
		}
		params["amount"] = normalized
		if params["mode"] == "custom" {
			if strings.TrimSpace(*recipient) == "" {
				return printError(stderr, "--recipient is required for custom refunds")
			}
			params["recipient"] = strings.TrimSpace(*recipient)
		}
	default:
		return printError(stderr, "--mode must be full, partial or custom")
	}
	return invoke("escrow_refund", params, true, stdout, stderr)
}

func runClaim(args []string, stdout, stderr io.Writer) int {
	return bountyCommand("claim", "escrow_claim", true, args, stdout, stderr)
}

func runInfo(args []string, stdout, stderr io.Writer) int {
	return bountyCommand("info", "escrow_getInfo", false, args, stdout, stderr)
}

func bountyCommand(name, method string, auth bool, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(name, stderr)
	bounty := fs.String("bounty", "", "bounty id")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := validateBountyID(*bounty); err != nil {
		return printError(stderr, err.Error())
	}
	return invoke(method, map[string]string{"bountyId": strings.TrimSpace(*bounty)}, auth, stdout, stderr)
}

func runPause(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("pause", stderr)
	reason := fs.String("reason", "", "reason recorded with the pause")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	return invoke("escrow_pause", map[string]string{"reason": *reason}, true, stdout, stderr)
}

func runUnpause(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("unpause", stderr)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	return invoke("escrow_unpause", nil, true, stdout, stderr)
}

func runEvents(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("events", stderr)
	typ := fs.String("type", "", "event type, e.g. escrow.locked")
	bounty := fs.String("bounty", "", "bounty id")
	address := fs.String("address", "", "actor or recipient account")
	minAmount := fs.String("min-amount", "", "only events moving at least this amount")
	maxAmount := fs.String("max-amount", "", "only events moving at most this amount")
	after := fs.Uint64("after", 0, "return events after this sequence number")
	limit := fs.Int("limit", 0, "maximum number of events")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	params := map[string]interface{}{}
	if v := strings.TrimSpace(*typ); v != "" {
		params["type"] = v
	}
	if v := strings.TrimSpace(*bounty); v != "" {
		if err := validateBountyID(v); err != nil {
			return printError(stderr, err.Error())
		}
		params["bountyId"] = v
	}
	if v := strings.TrimSpace(*address); v != "" {
		params["address"] = v
	}
	for key, raw := range map[string]string{"minAmount": *minAmount, "maxAmount": *maxAmount} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		v, err := normalizeAmount(raw)
		if err != nil {
			return printError(stderr, err.Error())
		}
		params[key] = v
	}
	if *after > 0 {
		params["afterSeq"] = *after
	}
	if *limit > 0 {
		params["limit"] = *limit
	}
	return invoke("escrow_events", params, false, stdout, stderr)
}

func runStats(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("stats", stderr)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	return invoke("escrow_stats", nil, false, stdout, stderr)
}

func validateBountyID(value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("--bounty is required")
	}
	if _, err := strconv.ParseUint(trimmed, 10, 64); err != nil {
		return fmt.Errorf("--bounty must be an unsigned integer")
	}
	return nil
}

// normalizeAmount accepts plain integers with optional underscores and an
// integer exponent shorthand such as 5e18.
func normalizeAmount(value string) (string, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return "", fmt.Errorf("--amount is required")
	}
	base := trimmed
	exponent := int64(0)
	if idx := strings.IndexAny(trimmed, "eE"); idx != -1 {
		base = trimmed[:idx]
		exp, err := strconv.ParseInt(trimmed[idx+1:], 10, 32)
		if err != nil || exp < 0 || exp > 77 {
			return "", fmt.Errorf("invalid exponent in --amount")
		}
		exponent = exp
	}
	if strings.HasPrefix(base, "-") {
		return "", fmt.Errorf("--amount must be positive")
	}
	v, ok := new(big.Int).SetString(strings.TrimPrefix(base, "+"), 10)
	if !ok {
		return "", fmt.Errorf("invalid amount format")
	}
	if exponent > 0 {
		v.Mul(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(exponent), nil))
	}
	if v.Sign() <= 0 {
		return "", fmt.Errorf("--amount must be positive")
	}
	return v.String(), nil
}

func parseDeadline(value string, now time.Time) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("--deadline is required")
	}
	if strings.HasPrefix(trimmed, "+") {
		dur, err := parseDuration(strings.TrimSpace(trimmed[1:]))
		if err != nil {
			return 0, err
		}
		if dur <= 0 {
			return 0, fmt.Errorf("deadline duration must be positive")
		}
		return now.Add(dur).Unix(), nil
	}
	if unix, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return unix, nil
	}
	ts, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid deadline: use +duration, RFC3339 or unix seconds")
	}
	return ts.Unix(), nil
}

func parseDuration(value string) (time.Duration, error) {
	if strings.HasSuffix(value, "d") || strings.HasSuffix(value, "D") {
		days, err := strconv.ParseInt(value[:len(value)-1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid deadline duration")
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid deadline duration")
	}
	return dur, nil
}
