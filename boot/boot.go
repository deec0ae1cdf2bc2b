// Package boot implements the first-stage boot arbiter (C3): it inspects
// the flag record, applies the decision table of spec.md §4.3, updates
// flags atomically where required, and transfers control to a bank or to
// the ROM recovery loader. It runs once, before the command processor or
// job engine exist, and touches nothing but the flag store.
package boot

import (
	"log/slog"

	"openenterprise/otacore/flags"
	"openenterprise/otacore/platform"
)

// Arbiter runs the boot decision table against a flag store.
type Arbiter struct {
	Store    *flags.Store
	Recovery platform.RecoveryEntry
	Jumper   platform.BankJumper
	Logger   *slog.Logger
}

func (a *Arbiter) log() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// Arbitrate applies the first-match-wins decision table of spec.md §4.3:
//
//	FailBoot                          -> ROM ISP, no flag change
//	(A|B, FirstBoot, FallbackBoot)     -> FailBoot/FirstBoot/FallbackBoot, save, ROM ISP
//	(A|B, FirstBoot, != FallbackBoot)  -> swap bank/FirstBoot/FallbackBoot, save, jump to swapped
//	(A|B, Flashed, *)                  -> swap bank/FirstBoot/Normal, save, jump to swapped
//	(A|B, Ok, *)                       -> jump to current bank (warn if reason==FallbackBoot)
//	uninitialized                      -> BankA/FirstBoot/Normal, save, jump to BankA
//
// The "FirstBoot armed on every jump, cleared only by AssertBootOK" policy
// in spec.md §4.3 is what gives this a strict two-strike fallback: a fresh
// image gets one attempt, the previous image gets one attempt, then the
// device surrenders to ROM.
func (a *Arbiter) Arbitrate() error {
	rec, err := a.Store.Get()
	if err != nil {
		return err
	}

	if rec.BankRaw == flags.ValueFailBoot {
		a.log().Warn("boot:failboot", slog.String("action", "enter-isp"))
		return a.Recovery.EnterISP()
	}

	if rec.IsUninitialized() {
		a.log().Info("boot:uninitialized", slog.String("action", "default-bank-a"))
		if err := a.Store.SetBank(platform.BankA); err != nil {
			return err
		}
		if err := a.Store.SetMode(flags.ModeFirstBoot); err != nil {
			return err
		}
		if err := a.Store.SetReason(flags.ReasonNormal); err != nil {
			return err
		}
		if err := a.Store.Save(); err != nil {
			return err
		}
		return a.Jumper.JumpTo(platform.BankA)
	}

	bank, ok := rec.Bank()
	if !ok {
		// Unreachable given the two checks above, but keep the arbiter
		// total: treat any other sentinel as uninitialized-default.
		return a.Jumper.JumpTo(platform.BankA)
	}

	switch rec.Mode {
	case flags.ModeFirstBoot:
		if rec.Reason == flags.ReasonFallbackBoot {
			a.log().Warn("boot:second-strike", slog.String("bank", bank.String()))
			if err := a.Store.SetFailBoot(); err != nil {
				return err
			}
			if err := a.Store.SetMode(flags.ModeFirstBoot); err != nil {
				return err
			}
			if err := a.Store.SetReason(flags.ReasonFallbackBoot); err != nil {
				return err
			}
			if err := a.Store.Save(); err != nil {
				return err
			}
			return a.Recovery.EnterISP()
		}
		swapped := bank.Other()
		a.log().Warn("boot:unconfirmed", slog.String("bank", bank.String()), slog.String("fallback-to", swapped.String()))
		if err := a.Store.SetBank(swapped); err != nil {
			return err
		}
		if err := a.Store.SetMode(flags.ModeFirstBoot); err != nil {
			return err
		}
		if err := a.Store.SetReason(flags.ReasonFallbackBoot); err != nil {
			return err
		}
		if err := a.Store.Save(); err != nil {
			return err
		}
		return a.Jumper.JumpTo(swapped)

	case flags.ModeFlashed:
		swapped := bank.Other()
		a.log().Info("boot:flashed", slog.String("bank", bank.String()), slog.String("target", swapped.String()))
		if err := a.Store.SetBank(swapped); err != nil {
			return err
		}
		if err := a.Store.SetMode(flags.ModeFirstBoot); err != nil {
			return err
		}
		if err := a.Store.SetReason(flags.ReasonNormal); err != nil {
			return err
		}
		if err := a.Store.Save(); err != nil {
			return err
		}
		return a.Jumper.JumpTo(swapped)

	case flags.ModeOk:
		if rec.Reason == flags.ReasonFallbackBoot {
			a.log().Warn("boot:ok-via-fallback", slog.String("bank", bank.String()))
		}
		return a.Jumper.JumpTo(bank)

	default:
		// Corrupt mode byte observed at runtime (spec.md §7: Unlikely).
		a.log().Error("boot:corrupt-mode", slog.Int("mode", int(rec.Mode)))
		return a.Jumper.JumpTo(bank)
	}
}
