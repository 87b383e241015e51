package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/app"
	"github.com/drfirst/go-rxguard/internal/auth"
	"github.com/drfirst/go-rxguard/internal/config"
	"github.com/drfirst/go-rxguard/internal/domain/patient"
	"github.com/drfirst/go-rxguard/internal/domain/prescription"
	"github.com/drfirst/go-rxguard/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxguard/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxguard/internal/interaction"
	"github.com/drfirst/go-rxguard/internal/logging"
)

// env loads configuration and a logger for one command
func env(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	path, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// connect opens the database for commands that do not need the workflow
func connect(cmd *cobra.Command) (*app.App, error) {
	cfg, logger, err := env(cmd)
	if err != nil {
		return nil, err
	}
	return app.Connect(cmd.Context(), cfg, logger)
}

func requireCipher(a *app.App) error {
	if a.Cipher == nil {
		return errors.New("FIELD_ENCRYPTION_KEY is required for this command")
	}
	return nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := connect(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := postgres.Migrate(cmd.Context(), a.Pool, a.Logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
			return nil
		},
	}
}

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage broker topics",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create missing pipeline topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := env(cmd)
			if err != nil {
				return err
			}
			admin, err := redpanda.NewAdmin(cfg.Brokers(), logger)
			if err != nil {
				return err
			}
			defer admin.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := admin.EnsureTopics(ctx, cfg.KafkaReplication); err != nil {
				return err
			}
			topics, err := admin.ListTopics(ctx)
			if err != nil {
				return err
			}
			for _, t := range topics {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "lag <group>",
		Short: "Show the unconsumed backlog of a consumer group per topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := env(cmd)
			if err != nil {
				return err
			}
			admin, err := redpanda.NewAdmin(cfg.Brokers(), logger)
			if err != nil {
				return err
			}
			defer admin.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			lag, err := admin.GroupLag(ctx, args[0])
			if err != nil {
				return err
			}
			topics := make([]string, 0, len(lag))
			for t := range lag {
				topics = append(topics, t)
			}
			sort.Strings(topics)
			for _, t := range topics {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", t, lag[t])
			}
			return nil
		},
	})
	return cmd
}

func staffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "staff",
		Short: "Manage staff identities",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a staff identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			employeeID, _ := flags.GetString("employee-id")
			first, _ := flags.GetString("first-name")
			last, _ := flags.GetString("last-name")
			email, _ := flags.GetString("email")
			roleName, _ := flags.GetString("role")
			password, _ := flags.GetString("password")

			role, err := auth.ParseRole(roleName)
			if err != nil {
				return err
			}
			if password == "" {
				if password, err = readSecret(cmd, "password: "); err != nil {
					return err
				}
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}

			a, err := connect(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ident := &auth.Identity{
				ID:           uuid.New().String(),
				EmployeeID:   employeeID,
				FirstName:    first,
				LastName:     last,
				Email:        email,
				Role:         role,
				Status:       auth.StatusActive,
				PasswordHash: hash,
			}
			if err := a.Staff.Create(cmd.Context(), ident); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ident.ID)
			return nil
		},
	}
	create.Flags().String("employee-id", "", "employee id used to log in")
	create.Flags().String("first-name", "", "first name")
	create.Flags().String("last-name", "", "last name")
	create.Flags().String("email", "", "email address")
	create.Flags().String("role", string(auth.RoleDoctor), "role")
	create.Flags().String("password", "", "password; prompted for when empty")
	create.MarkFlagRequired("employee-id")
	create.MarkFlagRequired("last-name")

	enroll := &cobra.Command{
		Use:   "enroll-totp <staff-id>",
		Short: "Enable the second factor and print its provisioning URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := connect(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := requireCipher(a); err != nil {
				return err
			}

			ident, err := a.Staff.FindByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			account := ident.EmployeeID
			if ident.Email != "" {
				account = ident.Email
			}
			secret, url, err := auth.EnrollSecondFactor(a.Config.JWTIssuer, account)
			if err != nil {
				return err
			}
			if err := a.Staff.EnableSecondFactor(cmd.Context(), ident.ID, secret); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		},
	}

	cmd.AddCommand(create, enroll)
	return cmd
}

func patientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patient",
		Short: "Manage patient records",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Register a patient",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			mrn, _ := flags.GetString("mrn")
			first, _ := flags.GetString("first-name")
			last, _ := flags.GetString("last-name")
			email, _ := flags.GetString("email")
			phone, _ := flags.GetString("phone")
			dob, _ := flags.GetString("dob")

			p := &patient.Patient{
				ID:        uuid.New().String(),
				MRN:       mrn,
				FirstName: first,
				LastName:  last,
				Email:     email,
				Phone:     phone,
				Status:    auth.StatusActive,
			}
			if dob != "" {
				t, err := prescription.ParseDate(dob)
				if err != nil {
					return fmt.Errorf("invalid --dob: %w", err)
				}
				p.DateOfBirth = &t
			}

			a, err := connect(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := requireCipher(a); err != nil {
				return err
			}
			if err := a.Patients.Create(cmd.Context(), p); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), p.ID)
			return nil
		},
	}
	create.Flags().String("mrn", "", "medical record number")
	create.Flags().String("first-name", "", "first name")
	create.Flags().String("last-name", "", "last name")
	create.Flags().String("email", "", "email address prescriptions are sent to")
	create.Flags().String("phone", "", "phone number")
	create.Flags().String("dob", "", "date of birth (YYYY-MM-DD)")
	create.MarkFlagRequired("mrn")
	create.MarkFlagRequired("last-name")

	cmd.AddCommand(create)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <identity-id>",
		Short: "Issue a bearer token for an identity without a password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := connect(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			store := auth.ChainStore{a.Staff, a.Patients}
			gw, err := auth.NewGateway(a.Config.GatewayConfig(), store, a.Logger)
			if err != nil {
				return err
			}
			ident, err := store.FindByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			token, expiresAt, err := gw.IssueToken(ident)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	return cmd
}

func passwordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Password utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "hash",
		Short: "Print the bcrypt hash of a password read from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readSecret(cmd, "")
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	})
	return cmd
}

func interactionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "interactions",
		Short: "Manage the drug interaction table",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "Load the built-in placeholder pairs into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := connect(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			entries := interaction.PlaceholderTable()
			if err := interaction.NewPostgresSource(a.Pool).Seed(cmd.Context(), entries); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d interaction pair(s)\n", len(entries))
			return nil
		},
	})
	return cmd
}

// readSecret reads one line from the command input
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	if prompt != "" {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", errors.New("no input")
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty secret")
	}
	return line, nil
}
