package deploy

import (
	"encoding/json"
	"fmt"
	"os"
)

func loadState(path string, st *State) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, st); err != nil {
		return fmt.Errorf("corrupt deploy state: %w", err)
	}
	if st.Version != stateVersion {
		return fmt.Errorf("deploy state version %d, want %d", st.Version, stateVersion)
	}
	return nil
}
