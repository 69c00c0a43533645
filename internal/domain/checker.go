package domain

import (
	"errors"
	"fmt"
	"time"
)

// Plancher des deltas de temps, évite les divisions absurdes sur une source toute neuve.
const minVelocityDelta = 30 * time.Second

type DeathVelocity struct {
	Files  int           `json:"files"`
	Period time.Duration `json:"period"`
}

// CheckerOptions décide quand re-vérifier une query et quand la déclarer morte.
// Valeur immuable: on en construit une nouvelle quand les réglages changent.
type CheckerOptions struct {
	IntendedFilesPerCheck int           `json:"intendedFilesPerCheck"`
	NeverFasterThan       time.Duration `json:"neverFasterThan"`
	NeverSlowerThan       time.Duration `json:"neverSlowerThan"`
	Death                 DeathVelocity `json:"death"`
}

func DefaultCheckerOptions() CheckerOptions {
	return CheckerOptions{
		IntendedFilesPerCheck: 5,
		NeverFasterThan:       24 * time.Hour,
		NeverSlowerThan:       90 * 24 * time.Hour,
		Death:                 DeathVelocity{Files: 1, Period: 180 * 24 * time.Hour},
	}
}

func (o CheckerOptions) Validate() error {
	if o.IntendedFilesPerCheck < 1 {
		return errors.New("intendedFilesPerCheck must be >= 1")
	}
	if o.NeverFasterThan <= 0 || o.NeverSlowerThan <= 0 {
		return errors.New("check periods must be positive")
	}
	if o.NeverFasterThan > o.NeverSlowerThan {
		return fmt.Errorf("neverFasterThan (%s) > neverSlowerThan (%s)", o.NeverFasterThan, o.NeverSlowerThan)
	}
	if o.Death.Files < 0 {
		return errors.New("death files must be >= 0")
	}
	if o.Death.Files > 0 && o.Death.Period <= 0 {
		return errors.New("death period must be positive")
	}
	return nil
}

func (o CheckerOptions) IsStatic() bool {
	return o.NeverFasterThan == o.NeverSlowerThan
}

// velocity renvoie (fichiers trouvés, fenêtre observée) sur la fenêtre de mort,
// raccourcie à l'âge de la source si elle est plus jeune.
func (o CheckerOptions) velocity(cache *FileSeedCache, lastCheck time.Time) (int, time.Duration) {
	window := o.Death.Period
	if window <= 0 {
		window = o.NeverSlowerThan
	}
	found := cache.NumFilesSince(lastCheck.Add(-window))
	delta := window
	if earliest, ok := cache.EarliestSourceTime(); ok {
		early := lastCheck.Sub(earliest)
		if early < minVelocityDelta {
			early = minVelocityDelta
		}
		if early < delta {
			delta = early
		}
	}
	return found, delta
}

// IsDead compare la vélocité observée à la vélocité de mort.
// Une politique à 0 fichier ne meurt jamais.
func (o CheckerOptions) IsDead(cache *FileSeedCache, lastCheck time.Time) bool {
	if o.Death.Files <= 0 || o.Death.Period <= 0 {
		return false
	}
	if cache.Len() == 0 && lastCheck.IsZero() {
		return false
	}
	found, delta := o.velocity(cache, lastCheck)
	current := float64(found) / delta.Seconds()
	death := float64(o.Death.Files) / o.Death.Period.Seconds()
	return current < death
}

// NextCheckTime calcule la prochaine vérification.
// Hors premier check, le résultat reste dans [lastCheck+F, lastCheck+S].
func (o CheckerOptions) NextCheckTime(cache *FileSeedCache, lastCheck, previousNext, now time.Time) time.Time {
	if cache.Len() == 0 {
		if lastCheck.IsZero() {
			return now
		}
		return lastCheck.Add(o.NeverSlowerThan)
	}
	if lastCheck.IsZero() {
		lastCheck = now
	}

	if o.IsStatic() {
		next := previousNext
		if next.IsZero() || next.Before(lastCheck) {
			next = lastCheck.Add(o.NeverFasterThan)
		}
		for next.Before(now) {
			next = next.Add(o.NeverFasterThan)
		}
		return next
	}

	if o.IsDead(cache, lastCheck) {
		return lastCheck.Add(o.NeverSlowerThan)
	}

	found, delta := o.velocity(cache, lastCheck)
	period := o.NeverSlowerThan
	if found > 0 {
		perFile := delta / time.Duration(found)
		ideal := time.Duration(o.IntendedFilesPerCheck) * perFile

		// Une source qui a beaucoup posté puis s'est tue ne doit pas rester rapide.
		floor := o.NeverFasterThan
		if latest, ok := cache.LatestSourceTime(); ok {
			since := lastCheck.Sub(latest)
			if since < minVelocityDelta {
				since = minVelocityDelta
			}
			if since > floor {
				floor = since
			}
		}
		period = max(floor, ideal)
		period = min(period, o.NeverSlowerThan)
	}
	return lastCheck.Add(period)
}

// Describe donne un texte court pour l'UI.
func (o CheckerOptions) Describe() string {
	if o.IsStatic() {
		return fmt.Sprintf("checks every %s", o.NeverFasterThan)
	}
	s := fmt.Sprintf("aims for %d files per check, between %s and %s", o.IntendedFilesPerCheck, o.NeverFasterThan, o.NeverSlowerThan)
	if o.Death.Files > 0 {
		s += fmt.Sprintf("; dead below %d files per %s", o.Death.Files, o.Death.Period)
	}
	return s
}
