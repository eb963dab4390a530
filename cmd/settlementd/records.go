package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mmynk/settlementd/internal/models"
	"github.com/mmynk/settlementd/internal/service"
)

var (
	flagAPI   string
	flagToken string
)

func newRecordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Drive a node's settlement API",
	}
	cmd.PersistentFlags().StringVar(&flagAPI, "api", "http://localhost:8080", "node API base URL")
	cmd.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("SETTLEMENT_TOKEN"), "operator token (default $SETTLEMENT_TOKEN)")

	cmd.AddCommand(
		newMeCmd(),
		newPeersCmd(),
		newMethodsCmd(),
		newCreateCmd(),
		newUpdateCmd(),
		newDeleteCmd(),
		newGetCmd(),
		newListCmd(),
		newVerifyCmd(),
	)
	return cmd
}

func apiClient() *service.Client {
	c := service.NewClient(http.DefaultClient, flagAPI)
	if flagToken != "" {
		c = c.WithToken(flagToken)
	}
	return c
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// instructionFlags binds the fields of a settlement instruction.
type instructionFlags struct {
	method         string
	beneficiary    string
	code           string
	institution    string
	additionalCode string
	account        int64
	routingNumber  int64
	attention      string
	reference      string
}

func (f *instructionFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.method, "method", "", "settlement method: ACH, SWIFT or WIRE")
	fs.StringVar(&f.beneficiary, "beneficiary", "", "beneficiary name")
	fs.StringVar(&f.code, "code", "", "bank code")
	fs.StringVar(&f.institution, "institution", "", "financial institution")
	fs.StringVar(&f.additionalCode, "additional-code", "", "secondary bank code")
	fs.Int64Var(&f.account, "account", 0, "account number (ACH)")
	fs.Int64Var(&f.routingNumber, "routing-number", 0, "routing number (ACH)")
	fs.StringVar(&f.attention, "attention", "", "for the attention of")
	fs.StringVar(&f.reference, "reference", "", "payment reference")
}

// instruction builds the instruction as given. Validation is left to the node
// so the operator sees the rule that failed.
func (f *instructionFlags) instruction(fs *pflag.FlagSet) models.SettlementInstruction {
	in := models.SettlementInstruction{
		Method:          models.SettlementMethod(strings.ToUpper(strings.TrimSpace(f.method))),
		BeneficiaryName: f.beneficiary,
		BankCode:        f.code,
		Institution:     f.institution,
		AdditionalCode:  f.additionalCode,
		Attention:       f.attention,
		Reference:       f.reference,
	}
	if fs.Changed("account") {
		in.Account = models.Int64(f.account)
	}
	if fs.Changed("routing-number") {
		in.RoutingNumber = models.Int64(f.routingNumber)
	}
	return in
}

func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid record id %q: %w", s, err)
	}
	return id, nil
}

func newMeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "me",
		Short: "Show the node's identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			me, err := apiClient().Me(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", me.Name, me.Fingerprint())
			return nil
		},
	}
}

func newPeersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List possible counterparties",
		RunE: func(cmd *cobra.Command, args []string) error {
			peers, err := apiClient().Peers(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range peers {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", p.Party.Name, p.Party.Fingerprint(), p.Address)
			}
			return nil
		},
	}
}

func newMethodsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "methods",
		Short: "List supported settlement methods",
		RunE: func(cmd *cobra.Command, args []string) error {
			methods, err := apiClient().Methods(cmd.Context())
			if err != nil {
				return err
			}
			for _, m := range methods {
				fmt.Fprintln(cmd.OutOrStdout(), m)
			}
			return nil
		},
	}
}

func newCreateCmd() *cobra.Command {
	var (
		f            instructionFlags
		counterparty string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a record, bilateral when --counterparty is set",
		RunE: func(cmd *cobra.Command, args []string) error {
			in := f.instruction(cmd.Flags())
			var (
				rec *models.SettlementRecord
				err error
			)
			if counterparty != "" {
				rec, err = apiClient().CreateBilateral(cmd.Context(), in, counterparty)
			} else {
				rec, err = apiClient().CreateUnilateral(cmd.Context(), in)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, rec)
		},
	}
	f.register(cmd.Flags())
	cmd.Flags().StringVar(&counterparty, "counterparty", "", "counterparty party name")
	return cmd
}

func newUpdateCmd() *cobra.Command {
	var (
		f       instructionFlags
		version uint64
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Replace the instruction of a unilateral record version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ref := models.RecordRef{ID: id, Version: version}
			rec, err := apiClient().Update(cmd.Context(), ref, f.instruction(cmd.Flags()))
			if err != nil {
				return err
			}
			return printJSON(cmd, rec)
		},
	}
	f.register(cmd.Flags())
	cmd.Flags().Uint64Var(&version, "version", 0, "record version being replaced")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	var version uint64
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a unilateral record version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return apiClient().Delete(cmd.Context(), models.RecordRef{ID: id, Version: version})
		},
	}
	cmd.Flags().Uint64Var(&version, "version", 0, "record version being deleted")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show the current version of a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			rec, err := apiClient().Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, rec)
		},
	}
}

var listScopes = map[string]string{
	"mine":       service.ListMineProcedure,
	"bilateral":  service.ListMineBilateralProcedure,
	"unilateral": service.ListMineUnilateralProcedure,
	"all":        service.ListAllProcedure,
	"owned":      service.ListOwnedByProcedure,
}

func newListCmd() *cobra.Command {
	var (
		scope string
		req   service.ListRequest
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records",
		RunE: func(cmd *cobra.Command, args []string) error {
			procedure, ok := listScopes[scope]
			if !ok {
				return fmt.Errorf("unknown scope %q (mine, bilateral, unilateral, all or owned)", scope)
			}
			records, err := apiClient().List(cmd.Context(), procedure, req)
			if err != nil {
				return err
			}
			return printJSON(cmd, records)
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "mine", "mine, bilateral, unilateral, all or owned")
	cmd.Flags().BoolVar(&req.IncludeHistory, "history", false, "include consumed versions (scope all)")
	cmd.Flags().StringVar(&req.Owner, "owner", "", "owner party name (scope owned)")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <id>",
		Short: "Re-check the signatures behind a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			resp, err := apiClient().Verify(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}
}
