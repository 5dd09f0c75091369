package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/kanilabs/kani-core/internal/config"
	"github.com/kanilabs/kani-core/internal/eventstore"
	"github.com/kanilabs/kani-core/internal/sessions"
)

var version = "0.1.0-dev"

const usage = "expected one of: validate, version, seed, session <id>"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "load .env:", err)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "validate":
		err = runValidate(os.Args[2:])
	case "version":
		fmt.Println(version)
	case "seed":
		err = runSeed(os.Args[2:], os.Stdout)
	case "session":
		err = runSession(os.Args[2:], os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configFlag(fset *flag.FlagSet) *string {
	return fset.String("config", os.Getenv("KANI_CONFIG"), "Path to configuration file")
}

func runValidate(args []string) error {
	fset := flag.NewFlagSet("validate", flag.ExitOnError)
	path := configFlag(fset)
	_ = fset.Parse(args)

	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	if cfg.Transcription.Mode != "mock" && cfg.Transcription.Mode != "exec" && cfg.Transcription.APIKey == "" {
		fmt.Println("warning: transcription api key is empty; sessions will fail")
	}
	if cfg.Extraction.Mode == "openai" && cfg.Extraction.APIKey == "" {
		fmt.Println("warning: extraction api key is empty; sessions will complete without notes")
	}
	fmt.Println("config valid")
	return nil
}

type seedResult struct {
	ClinicID   string `json:"clinicId"`
	OperatorID string `json:"operatorId"`
	PatientID  string `json:"patientId"`
}

// runSeed creates a clinic with one operator and one patient for local testing.
func runSeed(args []string, out io.Writer) error {
	fset := flag.NewFlagSet("seed", flag.ExitOnError)
	path := configFlag(fset)
	clinicName := fset.String("clinic", "Demo Clinic", "Clinic name")
	email := fset.String("email", "operator@demo.local", "Operator email")
	patientName := fset.String("patient", "Demo Patient", "Patient name")
	phone := fset.String("phone", "09120000000", "Patient phone, unique per clinic")
	_ = fset.Parse(args)

	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	ctx := context.Background()
	store, err := sessions.Open(ctx, cfg.Database, quietLogger())
	if err != nil {
		return err
	}
	defer store.Close()

	clinic := sessions.Clinic{Name: *clinicName, IsActive: true}
	if err := store.CreateClinic(ctx, &clinic); err != nil {
		return err
	}
	operator := sessions.Operator{ClinicID: clinic.ID, Email: *email, FirstName: "Demo", LastName: "Operator", IsActive: true}
	if err := store.CreateOperator(ctx, &operator); err != nil {
		return err
	}
	patient := sessions.Patient{ClinicID: clinic.ID, Name: *patientName, Phone: *phone}
	if err := store.CreatePatient(ctx, &patient); err != nil {
		return err
	}
	return printJSON(out, seedResult{ClinicID: clinic.ID, OperatorID: operator.ID, PatientID: patient.ID})
}

type sessionReport struct {
	Session  sessions.Session   `json:"session"`
	Timeline []eventstore.Event `json:"timeline"`
}

// runSession prints a session and its timeline. It never applies timeline retention.
func runSession(args []string, out io.Writer) error {
	fset := flag.NewFlagSet("session", flag.ExitOnError)
	path := configFlag(fset)
	_ = fset.Parse(args)
	if fset.NArg() != 1 {
		return errors.New("usage: kanictl session [-config file] <id>")
	}
	id := fset.Arg(0)

	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	ctx := context.Background()
	store, err := sessions.Open(ctx, cfg.Database, quietLogger())
	if err != nil {
		return err
	}
	defer store.Close()

	sess, err := store.GetSession(ctx, id)
	if err != nil {
		return err
	}

	timeline, err := eventstore.OpenReader(ctx, cfg.EventStore, quietLogger())
	if err != nil {
		return err
	}
	defer timeline.Close()
	events, err := timeline.ListSessionEvents(ctx, sess.ID, sess.ClinicID, 0)
	if err != nil {
		return fmt.Errorf("list session events: %w", err)
	}
	return printJSON(out, sessionReport{Session: sess, Timeline: events})
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
