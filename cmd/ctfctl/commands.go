package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/ctfledger/internal/crypto"
	"github.com/alanyoungcy/ctfledger/internal/ctf"
	"github.com/alanyoungcy/ctfledger/internal/domain"
	"github.com/alanyoungcy/ctfledger/internal/platform/ledgerclient"
)

var commands = map[string]command{
	"keygen":      {usage: "print a fresh wallet key and its address", run: runKeygen},
	"encrypt-key": {usage: "encrypt --key with --password into --out", run: runEncryptKey},
	"ids":         {usage: "derive condition, collection and position ids locally", run: runIDs},
	"prepare":     {usage: "prepare a condition", signed: true, run: runPrepare},
	"condition":   {usage: "show a condition", run: runCondition},
	"resolve":     {usage: "report payouts as the oracle", signed: true, run: runResolve},
	"split":       {usage: "split collateral or a parent position", signed: true, run: runSplit},
	"merge":       {usage: "merge positions back into their parent", signed: true, run: runMerge},
	"redeem":      {usage: "redeem positions of a resolved condition", signed: true, run: runRedeem},
	"balance":     {usage: "show a position balance", run: runBalance},
	"transfer":    {usage: "transfer a position", signed: true, run: runTransfer},
	"approve":     {usage: "grant or revoke an operator", signed: true, run: runApprove},
	"events":      {usage: "page through the event log", run: runEvents},
	"market":      {usage: "create a market (factory wallet only)", signed: true, run: runMarket},
	"collateral":  {usage: "show a collateral balance and allowance", run: runCollateral},
	"fund":        {usage: "mint faucet collateral and approve the ledger", signed: true, run: runFund},
}

// --------------------------------------------------------------------------
// Flag parsing helpers
// --------------------------------------------------------------------------

func parseAddress(name, s string) (common.Address, error) {
	if !common.IsHexAddress(strings.TrimSpace(s)) {
		return common.Address{}, fmt.Errorf("--%s: %q is not an address", name, s)
	}
	return common.HexToAddress(strings.TrimSpace(s)), nil
}

func parseHash(name, s string) (common.Hash, error) {
	if s == "" {
		return common.Hash{}, nil
	}
	b := common.FromHex(s)
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("--%s: %q is not 32 bytes of hex", name, s)
	}
	return common.BytesToHash(b), nil
}

// parseSets parses a comma separated list of index sets, e.g. "1,2,4".
func parseSets(name, s string) ([]domain.IndexSet, error) {
	var out []domain.IndexSet
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		set, err := domain.ParseIndexSet(part)
		if err != nil {
			return nil, fmt.Errorf("--%s: %w", name, err)
		}
		out = append(out, set)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("--%s: at least one index set is required", name)
	}
	return out, nil
}

func parseAmount(name, s string) (*uint256.Int, error) {
	v, err := domain.ParseAmount(s)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return v, nil
}

// positionFlags are shared by split, merge and redeem.
type positionFlags struct {
	collateral, parent, condition, sets, amount *string
}

func addPositionFlags(fs *flag.FlagSet, withAmount bool) positionFlags {
	p := positionFlags{
		collateral: fs.String("collateral", "", "collateral token address"),
		parent:     fs.String("parent", "", "parent collection id (empty for collateral)"),
		condition:  fs.String("condition", "", "condition id"),
		sets:       fs.String("sets", "1,2", "comma separated index sets"),
	}
	if withAmount {
		p.amount = fs.String("amount", "", "amount")
	}
	return p
}

func (p positionFlags) parse() (ledgerclient.PositionRequest, error) {
	var req ledgerclient.PositionRequest
	var err error
	if req.CollateralToken, err = parseAddress("collateral", *p.collateral); err != nil {
		return req, err
	}
	if req.ParentCollectionID, err = parseHash("parent", *p.parent); err != nil {
		return req, err
	}
	if req.ConditionID, err = parseHash("condition", *p.condition); err != nil {
		return req, err
	}
	if req.Partition, err = parseSets("sets", *p.sets); err != nil {
		return req, err
	}
	if p.amount != nil {
		amount, err := parseAmount("amount", *p.amount)
		if err != nil {
			return req, err
		}
		req.Amount = domain.NewAmount(amount)
	}
	return req, nil
}

// --------------------------------------------------------------------------
// Commands
// --------------------------------------------------------------------------

func runKeygen(_ context.Context, _ env, _ []string) error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	s, err := crypto.NewSigner(key)
	if err != nil {
		return err
	}
	return printJSON(map[string]string{"private_key": key, "address": s.Address().Hex()})
}

func runEncryptKey(_ context.Context, e env, args []string) error {
	fs := flag.NewFlagSet("encrypt-key", flag.ExitOnError)
	out := fs.String("out", "wallet.json", "output file")
	_ = fs.Parse(args)

	if e.key.RawPrivateKey == "" || e.key.KeyPassword == "" {
		return errors.New("--key and --password are required")
	}
	blob, err := crypto.EncryptKey(e.key.RawPrivateKey, e.key.KeyPassword)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, blob, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}
	return printJSON(map[string]string{"written": *out})
}

func runIDs(_ context.Context, _ env, args []string) error {
	fs := flag.NewFlagSet("ids", flag.ExitOnError)
	oracle := fs.String("oracle", "", "oracle address")
	question := fs.String("question", "", "question id")
	slots := fs.Int("slots", 2, "outcome slot count")
	condition := fs.String("condition", "", "condition id (instead of oracle/question/slots)")
	parent := fs.String("parent", "", "parent collection id")
	set := fs.String("set", "", "index set for the collection and position ids")
	collateral := fs.String("collateral", "", "collateral token for the position id")
	_ = fs.Parse(args)

	out := map[string]any{}
	condID, err := parseHash("condition", *condition)
	if err != nil {
		return err
	}
	if *condition == "" {
		oracleAddr, err := parseAddress("oracle", *oracle)
		if err != nil {
			return err
		}
		q, err := parseHash("question", *question)
		if err != nil {
			return err
		}
		condID = ctf.ConditionID(oracleAddr, q, *slots)
	}
	out["condition_id"] = condID

	if *set == "" {
		return printJSON(out)
	}
	parentID, err := parseHash("parent", *parent)
	if err != nil {
		return err
	}
	indexSet, err := domain.ParseIndexSet(*set)
	if err != nil {
		return fmt.Errorf("--set: %w", err)
	}
	collection, err := ctf.CollectionID(parentID, condID, indexSet)
	if err != nil {
		return err
	}
	out["collection_id"] = collection

	if *collateral != "" {
		token, err := parseAddress("collateral", *collateral)
		if err != nil {
			return err
		}
		id := ctf.PositionID(token, collection)
		out["position_id"] = id
		out["position_hex"] = id.Hex()
	}
	return printJSON(out)
}

func runPrepare(ctx context.Context, e env, args []string) error {
	fs := flag.NewFlagSet("prepare", flag.ExitOnError)
	oracle := fs.String("oracle", "", "oracle address")
	question := fs.String("question", "", "question id")
	slots := fs.Int("slots", 2, "outcome slot count")
	_ = fs.Parse(args)

	oracleAddr, err := parseAddress("oracle", *oracle)
	if err != nil {
		return err
	}
	q, err := parseHash("question", *question)
	if err != nil {
		return err
	}
	c, err := e.client()
	if err != nil {
		return err
	}
	id, err := c.PrepareCondition(ctx, oracleAddr, q, *slots)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"condition_id": id})
}

func runCondition(ctx context.Context, e env, args []string) error {
	fs := flag.NewFlagSet("condition", flag.ExitOnError)
	id := fs.String("id", "", "condition id")
	_ = fs.Parse(args)

	condID, err := parseHash("id", *id)
	if err != nil {
		return err
	}
	c, err := e.client()
	if err != nil {
		return err
	}
	cond, err := c.GetCondition(ctx, condID)
	if err != nil {
		return err
	}
	return printJSON(cond)
}

func runResolve(ctx context.Context, e env, args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	id := fs.String("condition", "", "condition id")
	payouts := fs.String("payouts", "", "comma separated payout numerators, e.g. 1,0")
	_ = fs.Parse(args)

	condID, err := parseHash("condition", *id)
	if err != nil {
		return err
	}
	var nums []*uint256.Int
	for _, p := range strings.Split(*payouts, ",") {
		n, err := parseAmount("payouts", strings.TrimSpace(p))
		if err != nil {
			return err
		}
		nums = append(nums, n)
	}
	c, err := e.client()
	if err != nil {
		return err
	}
	cond, err := c.ReportPayouts(ctx, condID, nums)
	if err != nil {
		return err
	}
	return printJSON(cond)
}

func runSplit(ctx context.Context, e env, args []string) error {
	fs := flag.NewFlagSet("split", flag.ExitOnError)
	pf := addPositionFlags(fs, true)
	_ = fs.Parse(args)

	req, err := pf.parse()
	if err != nil {
		return err
	}
	c, err := e.client()
	if err != nil {
		return err
	}
	if err := c.SplitPosition(ctx, req); err != nil {
		return err
	}
	return printJSON(map[string]string{"status": "split"})
}

func runMerge(ctx context.Context, e env, args []string) error {
	fs := flag.NewFlagSet("merge", flag.ExitOnError)
	pf := addPositionFlags(fs, true)
	_ = fs.Parse(args)

	req, err := pf.parse()
	if err != nil {
		return err
	}
	c, err := e.client()
	if err != nil {
		return err
	}
	if err := c.MergePositions(ctx, req); err != nil {
		return err
	}
	return printJSON(map[string]string{"status": "merged"})
}

func runRedeem(ctx context.Context, e env, args []string) error {
	fs := flag.NewFlagSet("redeem", flag.ExitOnError)
	pf := addPositionFlags(fs, false)
	_ = fs.Parse(args)

	req, err := pf.parse()
	if err != nil {
		return err
	}
	c, err := e.client()
	if err != nil {
		return err
	}
	payout, err := c.RedeemPositions(ctx, ledgerclient.RedeemRequest{
		CollateralToken:    req.CollateralToken,
		ParentCollectionID: req.ParentCollectionID,
		ConditionID:        req.ConditionID,
		IndexSets:          req.Partition,
	})
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"payout": domain.NewAmount(payout)})
}

func runBalance(ctx context.Context, e env, args []string) error {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	owner := fs.String("owner", "", "holder address")
	id := fs.String("id", "", "position id (decimal or 0x hex)")
	_ = fs.Parse(args)

	ownerAddr, err := parseAddress("owner", *owner)
	if err != nil {
		return err
	}
	pos, err := domain.ParsePositionID(*id)
	if err != nil {
		return fmt.Errorf("--id: %w", err)
	}
	c, err := e.client()
	if err != nil {
		return err
	}
	bal, err := c.BalanceOf(ctx, ownerAddr, pos)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"owner": ownerAddr, "position_id": pos, "balance": domain.NewAmount(bal)})
}

func runTransfer(ctx context.Context, e env, args []string) error {
	fs := flag.NewFlagSet("transfer", flag.ExitOnError)
	from := fs.String("from", "", "holder (defaults to the signer)")
	to := fs.String("to", "", "recipient address")
	id := fs.String("id", "", "position id")
	amount := fs.String("amount", "", "amount")
	_ = fs.Parse(args)

	c, err := e.client()
	if err != nil {
		return err
	}
	fromAddr := c.Address()
	if *from != "" {
		if fromAddr, err = parseAddress("from", *from); err != nil {
			return err
		}
	}
	toAddr, err := parseAddress("to", *to)
	if err != nil {
		return err
	}
	pos, err := domain.ParsePositionID(*id)
	if err != nil {
		return fmt.Errorf("--id: %w", err)
	}
	v, err := parseAmount("amount", *amount)
	if err != nil {
		return err
	}
	if err := c.Transfer(ctx, fromAddr, toAddr, pos, v); err != nil {
		return err
	}
	return printJSON(map[string]string{"status": "transferred"})
}

func runApprove(ctx context.Context, e env, args []string) error {
	fs := flag.NewFlagSet("approve", flag.ExitOnError)
	operator := fs.String("operator", "", "operator address")
	revoke := fs.Bool("revoke", false, "revoke instead of grant")
	_ = fs.Parse(args)

	op, err := parseAddress("operator", *operator)
	if err != nil {
		return err
	}
	c, err := e.client()
	if err != nil {
		return err
	}
	if err := c.SetApprovalForAll(ctx, op, !*revoke); err != nil {
		return err
	}
	return printJSON(map[string]any{"owner": c.Address(), "operator": op, "approved": !*revoke})
}

func runEvents(ctx context.Context, e env, args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	after := fs.Int64("after", 0, "return events after this sequence number")
	limit := fs.Int("limit", 100, "page size")
	_ = fs.Parse(args)

	c, err := e.client()
	if err != nil {
		return err
	}
	events, err := c.Events(ctx, *after, *limit)
	if err != nil {
		return err
	}
	return printJSON(events)
}

func runMarket(ctx context.Context, e env, args []string) error {
	fs := flag.NewFlagSet("market", flag.ExitOnError)
	question := fs.String("question", "", "market question")
	oracle := fs.String("oracle", "", "oracle address")
	collateral := fs.String("collateral", "", "collateral token address")
	funding := fs.String("funding", "0", "initial funding split from the factory wallet")
	_ = fs.Parse(args)

	oracleAddr, err := parseAddress("oracle", *oracle)
	if err != nil {
		return err
	}
	token, err := parseAddress("collateral", *collateral)
	if err != nil {
		return err
	}
	fund, err := parseAmount("funding", *funding)
	if err != nil {
		return err
	}
	c, err := e.client()
	if err != nil {
		return err
	}
	m, err := c.CreateMarket(ctx, ledgerclient.MarketRequest{
		Question:        *question,
		Oracle:          oracleAddr,
		CollateralToken: token,
		Funding:         domain.NewAmount(fund),
	})
	if err != nil {
		return err
	}
	return printJSON(m)
}

func runCollateral(ctx context.Context, e env, args []string) error {
	fs := flag.NewFlagSet("collateral", flag.ExitOnError)
	asset := fs.String("asset", "", "collateral token address")
	owner := fs.String("owner", "", "holder address")
	_ = fs.Parse(args)

	token, err := parseAddress("asset", *asset)
	if err != nil {
		return err
	}
	ownerAddr, err := parseAddress("owner", *owner)
	if err != nil {
		return err
	}
	c, err := e.client()
	if err != nil {
		return err
	}
	bal, err := c.CollateralBalance(ctx, token, ownerAddr)
	if err != nil {
		return err
	}
	return printJSON(bal)
}

func runFund(ctx context.Context, e env, args []string) error {
	fs := flag.NewFlagSet("fund", flag.ExitOnError)
	asset := fs.String("asset", "", "collateral token address")
	amount := fs.String("amount", "", "amount to mint and approve")
	_ = fs.Parse(args)

	token, err := parseAddress("asset", *asset)
	if err != nil {
		return err
	}
	v, err := parseAmount("amount", *amount)
	if err != nil {
		return err
	}
	c, err := e.client()
	if err != nil {
		return err
	}
	if err := c.MintCollateral(ctx, token, c.Address(), v); err != nil {
		return err
	}
	if err := c.ApproveCollateral(ctx, token, v); err != nil {
		return err
	}
	return printJSON(map[string]any{"owner": c.Address(), "asset": token, "funded": domain.NewAmount(v)})
}
