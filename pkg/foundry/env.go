package foundry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// InputAlias names the signups dataset in RESOURCE_ALIAS_MAP.
const InputAlias = "input"

// DatasetRef points at a dataset or stream branch. An empty Branch means master.
type DatasetRef struct {
	RID    string
	Branch string
}

func (r DatasetRef) branch() string {
	if r.Branch == "" {
		return "master"
	}
	return r.Branch
}

// Env is what a compute module hands the enricher: where Foundry lives, the
// job token and the aliases of the signups dataset and output streams.
type Env struct {
	Services Services
	CAPath   string
	Token    string
	Aliases  map[string]DatasetRef
}

// LoadEnv reads BUILD2_TOKEN and RESOURCE_ALIAS_MAP (both file paths),
// DEFAULT_CA_PATH and the service endpoints.
func LoadEnv() (Env, error) {
	svc, err := discoverServices()
	if err != nil {
		return Env{}, err
	}
	token, err := readEnvFile("BUILD2_TOKEN")
	if err != nil {
		return Env{}, err
	}
	raw, err := readEnvFile("RESOURCE_ALIAS_MAP")
	if err != nil {
		return Env{}, err
	}
	aliases, err := parseAliases([]byte(raw))
	if err != nil {
		return Env{}, err
	}
	return Env{
		Services: svc,
		CAPath:   strings.TrimSpace(os.Getenv("DEFAULT_CA_PATH")),
		Token:    token,
		Aliases:  aliases,
	}, nil
}

// Ref resolves a table name used by the run. Aliases win; names that are
// already RIDs pass through on the default branch.
func (e Env) Ref(name string) (DatasetRef, error) {
	name = strings.TrimSpace(name)
	if ref, ok := e.Aliases[name]; ok {
		return ref, nil
	}
	if strings.HasPrefix(name, "ri.") {
		return DatasetRef{RID: name}, nil
	}
	return DatasetRef{}, fmt.Errorf("foundry: %q is neither an alias nor a RID", name)
}

func readEnvFile(name string) (string, error) {
	path := strings.TrimSpace(os.Getenv(name))
	if path == "" {
		return "", fmt.Errorf("foundry: %s is not set", name)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("foundry: read %s: %w", name, err)
	}
	return strings.TrimSpace(string(b)), nil
}

func parseAliases(b []byte) (map[string]DatasetRef, error) {
	var raw map[string]struct {
		RID    string  `json:"rid"`
		Branch *string `json:"branch"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("foundry: parse RESOURCE_ALIAS_MAP: %w", err)
	}
	out := make(map[string]DatasetRef, len(raw))
	var errs []error
	for alias, e := range raw {
		ref := DatasetRef{RID: strings.TrimSpace(e.RID)}
		if ref.RID == "" {
			errs = append(errs, fmt.Errorf("foundry: alias %q has no rid", alias))
			continue
		}
		if e.Branch != nil {
			ref.Branch = strings.TrimSpace(*e.Branch)
		}
		out[alias] = ref
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}
