package cmd

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"southwinds.dev/biogate"
)

var authorizeCmd = &cobra.Command{
	Use:   "authorize",
	Short: "Run an authorization attempt",
	Long: `Run one authorization attempt against the configured key. The fingerprint
sensor is simulated: at the fingerprint stage answer ok, fail, password (to use
the password instead) or cancel. At the password stages enter the store
passphrase or cancel.

A script of events can replace the prompts:

  biogate authorize --events fail,ok --payload "order 1234"
  biogate authorize --events pw=secret --accept-reenrollment

Tokens are ok, fail, password, cancel and pw=<password>.`,
	RunE: runAuthorize,
}

var (
	eventScript        string
	authPayload        string
	acceptReenrollment bool
	showMetrics        bool
)

func init() {
	rootCmd.AddCommand(authorizeCmd)

	authorizeCmd.Flags().StringVar(&eventScript, "events", "", "comma separated events to feed the gate instead of prompting")
	authorizeCmd.Flags().StringVar(&authPayload, "payload", "", "data to encrypt with the authorized session")
	authorizeCmd.Flags().BoolVar(&acceptReenrollment, "accept-reenrollment", false, "re-enable fingerprint authorization without asking")
	authorizeCmd.Flags().BoolVar(&showMetrics, "metrics", false, "print authorization metrics when done")
}

// eventSource yields user input, either scripted or read from stdin
type eventSource interface {
	next(ctx context.Context, prompt string) (string, error)
}

type scriptSource struct {
	tokens []string
}

func newScriptSource(script string) *scriptSource {
	var tokens []string
	for _, token := range strings.Split(script, ",") {
		if token = strings.TrimSpace(token); token != "" {
			tokens = append(tokens, token)
		}
	}
	return &scriptSource{tokens: tokens}
}

func (s *scriptSource) next(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(s.tokens) == 0 {
		return "", errors.New("event script ended before the attempt finished")
	}
	token := s.tokens[0]
	s.tokens = s.tokens[1:]
	return token, nil
}

// lineSource reads one event per line. stop releases the reader goroutine
// once the attempt no longer needs input.
type lineSource struct {
	lines chan string
	done  chan struct{}
	once  sync.Once
}

func newLineSource(r io.Reader) *lineSource {
	s := &lineSource{lines: make(chan string), done: make(chan struct{})}
	go func() {
		defer close(s.lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case s.lines <- strings.TrimSpace(scanner.Text()):
			case <-s.done:
				return
			}
		}
	}()
	return s
}

func (s *lineSource) next(ctx context.Context, prompt string) (string, error) {
	fmt.Print(prompt)
	select {
	case <-ctx.Done():
		fmt.Println()
		return "", ctx.Err()
	case line, ok := <-s.lines:
		if !ok {
			return "", errors.New("input closed before the attempt finished")
		}
		return line, nil
	}
}

func (s *lineSource) stop() {
	s.once.Do(func() { close(s.done) })
}

// protectedAction is the work an authorization guards. The gate runs it from
// the completion callback with the authorized session, which it then destroys.
type protectedAction struct {
	payload []byte

	mu         sync.Mutex
	outcome    *biogate.Outcome
	ciphertext []byte
	err        error
}

func (a *protectedAction) run(outcome biogate.Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.outcome = &outcome
	if outcome.Session == nil {
		return
	}
	defer outcome.Session.Destroy()
	if len(a.payload) == 0 {
		return
	}
	a.ciphertext, a.err = outcome.Session.Encrypt(a.payload, []byte(outcome.AttemptID))
}

// result returns the outcome the action ran with, nil if it never ran
func (a *protectedAction) result() (*biogate.Outcome, []byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outcome, a.ciphertext, a.err
}

func printStageChange(change biogate.StageChange) {
	switch {
	case errors.Is(change.Err, biogate.ErrSensorFailure):
		fmt.Println("Fingerprint not recognized. Try again or use the password.")
	case errors.Is(change.Err, biogate.ErrPasswordRejected):
		fmt.Println("Wrong password.")
	case change.State == biogate.StateFailed:
		fmt.Printf("Authorization failed: %v\n", change.Err)
	case change.State == biogate.StateAwaiting:
		switch change.Stage {
		case biogate.StageFingerprint:
			fmt.Println("Touch the fingerprint sensor.")
		case biogate.StagePassword:
			fmt.Println("Confirm with your password.")
		case biogate.StageNewFingerprintEnrolled:
			fmt.Println("A fingerprint was added or removed since this device was set up.")
			fmt.Println("Confirm with your password to continue.")
		}
	}
}

// nextEvent maps one input line to a gate event for the active stage
func nextEvent(ctx context.Context, gate *biogate.Gate, source eventSource) (biogate.Event, error) {
	stage := gate.Stage()

	prompt := "password (or cancel): "
	if stage == biogate.StageFingerprint {
		prompt = "sensor [ok|fail|password|cancel]: "
	}
	input, err := source.next(ctx, prompt)
	if err != nil {
		return nil, err
	}
	if input == "cancel" {
		return biogate.CancelRequested{}, nil
	}

	if stage == biogate.StageFingerprint {
		switch input {
		case "ok":
			return biogate.SensorOutcome{Success: true}, nil
		case "fail":
			return biogate.SensorOutcome{Success: false}, nil
		case "password":
			return biogate.FallbackRequested{}, nil
		default:
			return nil, fmt.Errorf("unexpected input %q at the fingerprint stage", input)
		}
	}

	passphrase := []byte(strings.TrimPrefix(input, "pw="))
	valid, err := keyStore.VerifyPassphrase(passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to verify password: %w", err)
	}
	return biogate.PasswordVerified{Success: valid}, nil
}

func runAuthorize(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)
	return auditCmdComplete(cmd, authorize(cmd), started)
}

func authorize(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var source eventSource
	interactive := eventScript == ""
	if interactive {
		lines := newLineSource(os.Stdin)
		defer lines.stop()
		source = lines
	} else {
		source = newScriptSource(eventScript)
	}

	action := &protectedAction{payload: []byte(authPayload)}
	gate, stage, err := service.Authorize(ctx, biogate.StageListenerFunc(printStageChange), action.run)
	if err != nil {
		if errors.Is(err, biogate.ErrCancelled) {
			fmt.Println("Authorization cancelled.")
			return nil
		}
		return fmt.Errorf("failed to begin authorization: %w", err)
	}
	if showMetrics {
		defer printMetrics()
	}

	go func() {
		<-ctx.Done()
		_ = gate.Cancel()
	}()

	for stage != biogate.StageNone && !gate.State().Terminal() {
		ev, err := nextEvent(ctx, gate, source)
		if err != nil {
			_ = gate.Cancel()
			if ctx.Err() != nil {
				break
			}
			return err
		}
		if err = gate.Dispatch(ev); err != nil {
			return err
		}
	}

	switch gate.State() {
	case biogate.StateCancelled:
		fmt.Println("Authorization cancelled.")
		return nil
	case biogate.StateFailed:
		return gate.Err()
	}

	outcome, ciphertext, err := action.result()
	if outcome == nil {
		return errors.New("authorization finished without an outcome")
	}
	if outcome.SucceededViaBiometric {
		fmt.Println("Authorized with fingerprint.")
		if err != nil {
			return fmt.Errorf("failed to encrypt payload: %w", err)
		}
		if ciphertext != nil {
			fmt.Printf("Attempt: %s\n", outcome.AttemptID)
			fmt.Printf("Ciphertext: %s\n", base64.StdEncoding.EncodeToString(ciphertext))
		}
	} else {
		fmt.Println("Authorized with password.")
	}

	if outcome.ReenrollmentOffered {
		return offerReenrollment(ctx, gate, source, interactive)
	}
	return nil
}

func offerReenrollment(ctx context.Context, gate *biogate.Gate, source eventSource, interactive bool) error {
	accept := acceptReenrollment
	if !accept && interactive {
		answer, err := source.next(ctx, "Use fingerprint authorization again? (y/N): ")
		if err != nil {
			return nil
		}
		answer = strings.ToLower(answer)
		accept = answer == "y" || answer == "yes"
	}
	if !accept {
		fmt.Println("Fingerprint authorization stays disabled until the key is regenerated.")
		return nil
	}

	handle, err := gate.AcceptReenrollment(ctx)
	if err != nil {
		return fmt.Errorf("failed to re-enable fingerprint authorization: %w", err)
	}
	fmt.Printf("Fingerprint authorization re-enabled with a new key %s.\n", handle.Name())
	return nil
}

// printMetrics writes the counters recorded during this run
func printMetrics() {
	families, err := registry.Gather()
	if err != nil {
		fmt.Printf("failed to gather metrics: %v\n", err)
		return
	}

	var lines []string
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			var labels []string
			for _, pair := range metric.GetLabel() {
				labels = append(labels, pair.GetName()+"="+pair.GetValue())
			}
			value := metric.GetCounter().GetValue()
			if metric.GetGauge() != nil {
				value = metric.GetGauge().GetValue()
			}
			lines = append(lines, fmt.Sprintf("%s{%s} %g", family.GetName(), strings.Join(labels, ","), value))
		}
	}
	sort.Strings(lines)

	fmt.Println("Metrics:")
	for _, line := range lines {
		fmt.Printf("  %s\n", line)
	}
}
