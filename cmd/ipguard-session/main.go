package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"ipguard/internal/client"
	"ipguard/internal/session"
	"ipguard/internal/support"
)

// ipguard-session signs in, verifies the origin when asked to and then keeps
// the session under watch until the server ends it or the user interrupts.
func main() {
	if err := run(); err != nil {
		log.Fatal("session terminated", "error", err)
	}
}

func run() error {
	_ = godotenv.Load()

	serverFlag := flag.String("server", support.GetEnv("IPGUARD_SERVER", "http://localhost:8082"), "ipguard API base URL")
	emailFlag := flag.String("email", support.GetEnv("IPGUARD_EMAIL", ""), "account email")
	lookupFlag := flag.String("ip-lookup", support.GetEnv("IPGUARD_IP_LOOKUP", ""), "public IP lookup URL")
	flag.Parse()

	email := strings.TrimSpace(*emailFlag)
	password := os.Getenv("IPGUARD_PASSWORD")
	if email == "" || password == "" {
		return errors.New("set -email (or IPGUARD_EMAIL) and IPGUARD_PASSWORD")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := client.New(client.Config{BaseURL: *serverFlag, IPLookupURL: *lookupFlag})

	publicIP, err := api.PublicIP(ctx)
	if err != nil {
		log.Warn("Could not determine public IP, the server will use the address it sees", "error", err)
		publicIP = ""
	}

	result, err := api.Login(ctx, email, password, publicIP)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	if result.RequiresVerification {
		code, err := promptCode()
		if err != nil {
			return err
		}
		if err := api.Verify(ctx, email, code, publicIP); err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		if result, err = api.Login(ctx, email, password, publicIP); err != nil {
			return fmt.Errorf("login after verification: %w", err)
		}
		if result.RequiresVerification {
			return errors.New("origin is still not verified")
		}
	}
	log.Info("Signed in", "email", email, "role", result.Role, "ip", publicIP)

	if _, err := api.Track(ctx, publicIP, "ipguard-session"); err != nil {
		log.Warn("Could not record sighting", "error", err)
	}

	forced := make(chan session.Outcome, 1)
	sess, err := session.Start(ctx, session.Options{
		Interval:       result.PollInterval,
		Source:         api,
		IPResolver:     api,
		OnForcedLogout: func(o session.Outcome) { forced <- o },
	})
	if err != nil {
		return err
	}
	defer sess.Stop()

	select {
	case outcome := <-forced:
		api.SetToken("")
		switch outcome {
		case session.OutcomeBanned:
			return errors.New("signed out: access from this network has been blocked")
		case session.OutcomeReverify:
			return errors.New("signed out: this network must be verified again")
		default:
			return errors.New("signed out: session expired")
		}
	case <-ctx.Done():
		log.Info("Signing out")
		return nil
	}
}

func promptCode() (string, error) {
	fmt.Fprint(os.Stderr, "A verification code was sent to your email. Code: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read verification code: %w", err)
	}
	return strings.TrimSpace(line), nil
}
