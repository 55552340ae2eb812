package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mesmerverse/vettid-dev/walletcore/hdwallet"
	"github.com/mesmerverse/vettid-dev/walletcore/keymanager"
	"github.com/mesmerverse/vettid-dev/walletcore/onboarding"
	"github.com/mesmerverse/vettid-dev/walletcore/platform"
	"github.com/mesmerverse/vettid-dev/walletcore/upgrade"
)

func (a *app) cmdCreate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	words := fs.Int("words", 12, "Mnemonic length")
	if err := fs.Parse(args); err != nil {
		return err
	}

	creds, err := a.onboardingCredentials(ctx)
	if err != nil {
		return err
	}
	device, mnemonic, err := a.onboarding.CreateWallet(ctx, *words, creds)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "Write down your recovery phrase and keep it offline:")
	fmt.Println(strings.Join(mnemonic, " "))
	printDevice(device)
	return nil
}

func (a *app) cmdImport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	phrase, err := a.console.readSecret("Recovery phrase: ")
	if err != nil {
		return err
	}
	mnemonic := hdwallet.NormalizeMnemonic(phrase)

	creds, err := a.onboardingCredentials(ctx)
	if err != nil {
		return err
	}
	device, err := a.onboarding.ImportWallet(ctx, mnemonic, creds)
	if errors.Is(err, hdwallet.ErrDuplicateDevice) {
		return fmt.Errorf("this wallet is already imported: %w", err)
	}
	if err != nil {
		return err
	}
	printDevice(device)
	return nil
}

func (a *app) cmdDevices(ctx context.Context, args []string) error {
	pin, err := a.unlockPIN(ctx)
	if err != nil {
		return err
	}
	devices, err := a.onboarding.Devices(ctx, pin)
	if err != nil {
		return userError(err)
	}
	a.pins.SetPinCode(pin)

	for i := range devices {
		printDevice(&devices[i])
	}
	return nil
}

func (a *app) cmdStatus(ctx context.Context, args []string) error {
	level, err := a.keys.SecurityLevel(ctx)
	if errors.Is(err, keymanager.ErrNoKeyFound) {
		fmt.Println("protection: none (no wallet onboarded)")
		return nil
	}
	if err != nil {
		return err
	}
	backup, err := a.keys.SlotExists(ctx, keymanager.BackupSlot)
	if err != nil {
		return err
	}
	enrolled, err := a.enrollment.EnrollmentLevel(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("protection: %s\n", level)
	fmt.Printf("backup present: %t\n", backup)
	fmt.Printf("enrollment: %s (biometrics available: %t)\n", enrolled, platform.BiometricsAvailable(enrolled))
	fmt.Printf("pin caching: %t\n", a.pins.Enabled())
	return nil
}

func (a *app) cmdValidate(ctx context.Context, args []string) error {
	pin, err := a.console.readSecret("PIN: ")
	if err != nil {
		return err
	}
	if !a.keys.ValidatePinCode(ctx, pin) {
		return keymanager.ErrIncorrectPin
	}
	fmt.Println("PIN is valid")
	return nil
}

func (a *app) cmdUpgrade(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("upgrade", flag.ContinueOnError)
	to := fs.String("to", "", "Target protection: secret or biometric")
	if err := fs.Parse(args); err != nil {
		return err
	}
	target, err := keymanager.ParseSecurityLevel(*to)
	if err != nil {
		return err
	}

	current, err := a.keys.SecurityLevel(ctx)
	if err != nil {
		return err
	}

	req := upgrade.Request{TargetMode: target}
	if current == keymanager.SecuritySecret {
		if req.CurrentPIN, err = a.console.readSecret("Current PIN: "); err != nil {
			return err
		}
	}
	if target == keymanager.SecuritySecret {
		if req.NewPIN, err = a.readNewPIN(); err != nil {
			return err
		}
	}

	res, err := a.coord.Upgrade(ctx, req)
	if errors.Is(err, upgrade.ErrCriticalUpgradeFailure) {
		fmt.Fprintln(os.Stderr, "Your wallet key could not be restored. Do not uninstall; run 'walletctl recover' and keep your recovery phrase at hand.")
		return err
	}
	if err != nil {
		return err
	}
	if !res.Success {
		fmt.Printf("Upgrade not applied, protection remains %s\n", current)
		return userError(res.Err)
	}

	// The cached PIN is only valid for the configuration it was entered under
	a.pins.ApplyConfig(sessionConfig(target, a.cfg.Security.PinRequired))
	fmt.Printf("Protection changed from %s to %s\n", res.From, res.To)
	return nil
}

func (a *app) cmdRecover(ctx context.Context, args []string) error {
	mode, err := a.coord.Recover(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("protection: %s\n", mode)
	return nil
}

func (a *app) cmdReset(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	yes := fs.Bool("yes", false, "Confirm erasing all wallet data")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*yes {
		return fmt.Errorf("refusing to reset without -yes")
	}
	a.pins.RemovePinCode()
	return a.onboarding.Reset(ctx)
}

// onboardingCredentials returns the PIN for an existing key, or the mode
// and PIN for a first onboarding.
func (a *app) onboardingCredentials(ctx context.Context) (onboarding.Credentials, error) {
	level, err := a.keys.SecurityLevel(ctx)
	switch {
	case err == nil && level == keymanager.SecurityBiometric:
		return onboarding.Credentials{Mode: level}, nil
	case err == nil:
		pin, err := a.unlockPIN(ctx)
		return onboarding.Credentials{PIN: pin, Mode: level}, err
	case !errors.Is(err, keymanager.ErrNoKeyFound):
		return onboarding.Credentials{}, err
	}

	mode, _ := a.cfg.SecurityLevel()
	if mode == keymanager.SecurityBiometric {
		enrolled, err := a.enrollment.EnrollmentLevel(ctx)
		if err != nil {
			return onboarding.Credentials{}, err
		}
		if platform.BiometricsAvailable(enrolled) {
			return onboarding.Credentials{Mode: mode}, nil
		}
		fmt.Fprintln(os.Stderr, "Strong biometrics are not enrolled, falling back to PIN protection")
		mode = keymanager.SecuritySecret
	}

	pin, err := a.readNewPIN()
	return onboarding.Credentials{PIN: pin, Mode: mode}, err
}

// unlockPIN returns the session PIN when caching allows it, otherwise
// prompts.
func (a *app) unlockPIN(ctx context.Context) (string, error) {
	level, err := a.keys.SecurityLevel(ctx)
	if err != nil && !errors.Is(err, keymanager.ErrNoKeyFound) {
		return "", err
	}
	if level == keymanager.SecurityBiometric {
		return "", nil
	}
	if a.pins.Enabled() {
		if pin, ok := a.pins.GetPinCode(); ok {
			return pin, nil
		}
	}
	return a.console.readSecret("PIN: ")
}

func (a *app) readNewPIN() (string, error) {
	pin, err := a.console.readSecret("New PIN: ")
	if err != nil {
		return "", err
	}
	if err := a.keys.ValidatePinFormat(pin); err != nil {
		return "", err
	}
	confirm, err := a.console.readSecret("Confirm PIN: ")
	if err != nil {
		return "", err
	}
	if confirm != pin {
		return "", fmt.Errorf("PINs do not match")
	}
	return pin, nil
}

// userError reports every PIN failure the same way.
func userError(err error) error {
	if errors.Is(err, keymanager.ErrIncorrectPin) {
		return keymanager.ErrIncorrectPin
	}
	return err
}

func printDevice(d *hdwallet.Device) {
	fmt.Printf("%-12s %s  index=%d  type=%s\n", d.Alias, d.RootAddress, d.Index, d.Type)
}
