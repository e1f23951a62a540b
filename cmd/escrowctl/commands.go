package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/transaction"
	"github.com/uhyunpark/hyperescrow/pkg/crypto"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a secp256k1 key and print its address",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "address:     %s\n", s.Address().Hex())
			fmt.Fprintf(out, "private_key: %s\n", s.PrivateKeyHex())
			return nil
		},
	}
}

type signOptions struct {
	key      string
	kind     string
	payload  string
	nonce    uint64
	value    int64
	chainID  int64
	contract string
	node     string
}

func signCmd() *cobra.Command {
	var o signOptions
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign an action and print it as JSON",
		Long: `Sign an action under the escrow's EIP-712 domain.

The payload is a JSON object, or @path to read it from a file. When --nonce
is 0 and --node is set, the next nonce is fetched from the node.`,
		Example: `  escrowctl sign --key $KEY --escrow 0x...e5c2 --kind buy_now \
    --payload '{"order_id":1,"quantity":2}' --value 100 --node http://localhost:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := o.sign()
			if err != nil {
				return err
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, raw, "", "  "); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.key, "key", os.Getenv("ESCROW_KEY"), "hex private key (default $ESCROW_KEY)")
	f.StringVar(&o.kind, "kind", "", "action kind, e.g. create_order")
	f.StringVar(&o.payload, "payload", "{}", "payload JSON or @file")
	f.Uint64Var(&o.nonce, "nonce", 0, "action nonce; 0 fetches the next one from --node")
	f.Int64Var(&o.value, "value", 0, "native value attached to the action")
	f.Int64Var(&o.chainID, "chain-id", crypto.DefaultChainID, "EIP-712 domain chain id")
	f.StringVar(&o.contract, "escrow", "", "escrow address (EIP-712 verifying contract)")
	f.StringVar(&o.node, "node", "", "node URL used to look up the nonce")
	cmd.MarkFlagRequired("kind")
	cmd.MarkFlagRequired("escrow")
	return cmd
}

func (o signOptions) sign() ([]byte, error) {
	signer, err := crypto.FromPrivateKeyHex(o.key)
	if err != nil {
		return nil, fmt.Errorf("key: %w", err)
	}
	kind := transaction.Kind(o.kind)
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown kind %q", o.kind)
	}
	if !common.IsHexAddress(o.contract) {
		return nil, fmt.Errorf("invalid escrow address %q", o.contract)
	}

	payload, err := readPayload(o.payload)
	if err != nil {
		return nil, err
	}

	nonce := o.nonce
	if nonce == 0 {
		if o.node == "" {
			return nil, fmt.Errorf("--nonce or --node is required")
		}
		last, err := fetchNonce(o.node, signer.Address())
		if err != nil {
			return nil, err
		}
		nonce = last + 1
	}

	domain := crypto.DefaultDomain()
	domain.ChainID = big.NewInt(o.chainID)
	domain.VerifyingContract = common.HexToAddress(o.contract)

	act := &transaction.SignedAction{Kind: kind, Nonce: nonce, Value: o.value, Payload: payload}
	if _, err := act.DecodePayload(); err != nil {
		return nil, err
	}
	if err := transaction.Sign(domain, signer, act); err != nil {
		return nil, err
	}
	return act.Serialize()
}

// readPayload compacts the payload so the signed bytes are what gets sent.
func readPayload(arg string) (json.RawMessage, error) {
	data := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		b, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, err
		}
		data = b
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	return buf.Bytes(), nil
}

func fetchNonce(node string, addr common.Address) (uint64, error) {
	resp, err := httpClient.Get(strings.TrimRight(node, "/") + "/api/v1/nonces/" + addr.Hex())
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("nonce lookup: %s", resp.Status)
	}
	var out struct {
		Nonce uint64 `json:"nonce"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.Nonce, nil
}

func submitCmd() *cobra.Command {
	var node string
	cmd := &cobra.Command{
		Use:   "submit [file]",
		Short: "Submit a signed action to a node (reads stdin without a file)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				body []byte
				err  error
			)
			if len(args) == 1 {
				body, err = os.ReadFile(args[0])
			} else {
				body, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}
			var buf bytes.Buffer
			if err := json.Compact(&buf, body); err != nil {
				return fmt.Errorf("action: %w", err)
			}

			resp, err := httpClient.Post(strings.TrimRight(node, "/")+"/api/v1/tx", "application/json", &buf)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			out, _ := io.ReadAll(resp.Body)
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(out)))
			if resp.StatusCode != http.StatusAccepted {
				return fmt.Errorf("node rejected action: %s", resp.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&node, "node", "http://localhost:8080", "node URL")
	return cmd
}
