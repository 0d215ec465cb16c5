// Command authkeeper logs into an authentication backend and sends authenticated requests with
// the stored session. It can also run a local fake of the backend for development.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"golang.org/x/term"

	"github.com/getlantern/authkeeper"
	"github.com/getlantern/authkeeper/common"
	"github.com/getlantern/authkeeper/common/reporting"
	"github.com/getlantern/authkeeper/config"
	"github.com/getlantern/authkeeper/internal"
	"github.com/getlantern/authkeeper/internal/devserver"
	"github.com/getlantern/authkeeper/telemetry"
)

type loginCmd struct {
	Email    string `arg:"positional,required"`
	Password string `arg:"--password,env:AUTHKEEPER_PASSWORD" help:"prompted for when not set"`
}

type registerCmd struct {
	Name  string `arg:"positional,required"`
	Email string `arg:"positional,required"`
}

type getCmd struct {
	Path string `arg:"positional,required" help:"path relative to the base URL, e.g. /api/items"`
}

type devserverCmd struct {
	Addr      string        `arg:"--addr" default:"localhost:3000"`
	AccessTTL time.Duration `arg:"--access-ttl" default:"15m" help:"lifetime of issued access tokens"`
}

type args struct {
	Config string `arg:"-c,--config,env:AUTHKEEPER_CONFIG" default:"authkeeper.yaml" help:"YAML configuration file"`
	Env    string `arg:"--env-file" default:".env" help:".env file with AUTHKEEPER_* overrides"`

	Login     *loginCmd     `arg:"subcommand:login" help:"log in and store the session"`
	Register  *registerCmd  `arg:"subcommand:register" help:"create an account and log into it"`
	Logout    *struct{}     `arg:"subcommand:logout" help:"end the session"`
	Status    *struct{}     `arg:"subcommand:status" help:"validate and print the stored session"`
	Refresh   *struct{}     `arg:"subcommand:refresh" help:"refresh the access token if it has expired"`
	Get       *getCmd       `arg:"subcommand:get" help:"send an authenticated GET request"`
	Devserver *devserverCmd `arg:"subcommand:devserver" help:"run a fake backend"`
}

func (args) Version() string {
	return common.Name + " " + common.Version
}

func main() {
	var a args
	p := arg.MustParse(&a)
	if p.Subcommand() == nil {
		p.Fail("missing subcommand")
	}

	cfg, err := config.Load(a.Config, a.Env)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	_, logCloser, err := internal.InitLogger(cfg.Log.Options())
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logCloser.Close()
	reporting.Init(cfg.SentryDSN, common.Version)
	defer reporting.Recover("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.Devserver != nil {
		srv := devserver.New(devserver.Options{AccessTTL: a.Devserver.AccessTTL})
		if err := srv.Serve(ctx, a.Devserver.Addr); err != nil {
			log.Fatalf("Dev server failed: %v", err)
		}
		return
	}

	if err := telemetry.Init(ctx, cfg.Telemetry, string(cfg.Store.Kind)); err != nil {
		slog.Warn("Failed to initialize telemetry", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Close(shutdownCtx)
	}()

	ctrl, err := authkeeper.New(ctx, authkeeper.Options{Config: cfg})
	if err != nil {
		log.Fatalf("Failed to create session controller: %v", err)
	}
	defer ctrl.Close()

	if err := run(ctx, ctrl, &a); err != nil {
		fmt.Fprintln(os.Stderr, err)
		ctrl.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, ctrl *authkeeper.Controller, a *args) error {
	switch {
	case a.Login != nil:
		password := a.Login.Password
		if password == "" {
			var err error
			if password, err = promptPassword(); err != nil {
				return err
			}
		}
		profile, err := ctrl.Login(ctx, common.Credentials{Email: a.Login.Email, Password: password})
		if errors.Is(err, common.ErrInvalidCredentials) {
			return errors.New("invalid email or password")
		}
		if err != nil {
			return err
		}
		fmt.Printf("Logged in as %s <%s>\n", profile.Name, profile.Email)

	case a.Register != nil:
		password, err := promptPassword()
		if err != nil {
			return err
		}
		profile, err := ctrl.Register(ctx, common.Registration{
			Name:     a.Register.Name,
			Email:    a.Register.Email,
			Password: password,
		})
		if err != nil {
			var apiErr *common.APIError
			if errors.As(err, &apiErr) {
				for field, msgs := range apiErr.Errors {
					fmt.Fprintf(os.Stderr, "%s: %s\n", field, strings.Join(msgs, ", "))
				}
			}
			return err
		}
		fmt.Printf("Registered %s <%s>\n", profile.Name, profile.Email)

	case a.Logout != nil:
		if err := ctrl.Logout(ctx); err != nil {
			return err
		}
		fmt.Println("Logged out")

	case a.Status != nil:
		sess := ctrl.Check(ctx)
		fmt.Println("Session:", sess.State)
		if sess.Profile != nil {
			fmt.Printf("User: %s <%s> (%s)\n", sess.Profile.Name, sess.Profile.Email, sess.Profile.Role)
		}

	case a.Refresh != nil:
		if !ctrl.RefreshSession(ctx) {
			return fmt.Errorf("no usable session, log in again (%s)", authkeeper.LoginRedirect(authkeeper.ReasonExpired))
		}
		fmt.Println("Session is valid")

	case a.Get != nil:
		resp, err := ctrl.Get(ctx, a.Get.Path)
		if err != nil {
			if errors.Is(err, common.ErrSessionExpired) {
				return errors.New("session expired, log in again")
			}
			return err
		}
		fmt.Println(resp.Status())
		fmt.Println(string(resp.Body()))
	}
	return nil
}

func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	fmt.Fprint(os.Stderr, "Password: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(b), nil
}
