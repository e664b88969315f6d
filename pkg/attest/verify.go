package attest

import "fmt"

// Verify checks every hash in att against taskDir and that the claim still
// follows from the records.
func Verify(att *Attestation, taskDir string) error {
	if att == nil {
		return fmt.Errorf("attestation is required")
	}
	if taskDir == "" {
		return fmt.Errorf("task directory is required")
	}
	if att.Schema != Schema {
		return fmt.Errorf("unknown attestation schema: %s", att.Schema)
	}

	for rel, expected := range att.Hashes {
		actual, err := hashFile(taskDir, rel)
		if err != nil {
			return fmt.Errorf("evidence file %s: %w", rel, err)
		}
		if actual != expected {
			return fmt.Errorf("hash mismatch for %s", rel)
		}
	}

	b, stepFiles, err := readBundle(taskDir)
	if err != nil {
		return err
	}
	if len(stepFiles) != len(att.Evidence.Steps) {
		return fmt.Errorf("step count mismatch: attested %d, found %d", len(att.Evidence.Steps), len(stepFiles))
	}
	for _, rel := range stepFiles {
		if _, ok := att.Hashes[rel]; !ok {
			return fmt.Errorf("unattested step file %s", rel)
		}
	}
	if b.task.ID != att.Subject.TaskID {
		return fmt.Errorf("subject mismatch: attested %s, found %s", att.Subject.TaskID, b.task.ID)
	}
	return verifyClaim(att.Claim, claimFor(b))
}

// verifyClaim compares the attested claim with the one recomputed from the
// records and names the first field that differs.
func verifyClaim(attested, recomputed Claim) error {
	switch {
	case attested.Outcome != recomputed.Outcome:
		return fmt.Errorf("claim mismatch: outcome attested %q, records say %q", attested.Outcome, recomputed.Outcome)
	case attested.Passed != recomputed.Passed:
		return fmt.Errorf("claim mismatch: passed attested %v, records say %v", attested.Passed, recomputed.Passed)
	case attested.Attempts != recomputed.Attempts:
		return fmt.Errorf("claim mismatch: attempts attested %d, records say %d", attested.Attempts, recomputed.Attempts)
	case attested.Blocks != recomputed.Blocks:
		return fmt.Errorf("claim mismatch: blocks attested %d, records say %d", attested.Blocks, recomputed.Blocks)
	case attested.Strategy != recomputed.Strategy:
		return fmt.Errorf("claim mismatch: strategy attested %q, records say %q", attested.Strategy, recomputed.Strategy)
	case len(attested.Gates) != len(recomputed.Gates):
		return fmt.Errorf("claim mismatch: %d gates attested, records show %d", len(attested.Gates), len(recomputed.Gates))
	}
	for i, g := range attested.Gates {
		want := recomputed.Gates[i]
		if g != want {
			return fmt.Errorf("claim mismatch: gate %s attested %+v, records say %+v", want.Name, g, want)
		}
	}
	return nil
}
