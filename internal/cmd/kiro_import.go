package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/router-for-me/cliproxy-console/internal/auth/kiro"
	"github.com/router-for-me/cliproxy-console/internal/config"
	"github.com/tidwall/gjson"
)

// DoKiroImport imports Kiro accounts from path. The file is either a Kiro IDE
// token cache or a JSON batch ({"items": [...]} or a bare array). The value
// "ide" reads the IDE cache from its default location.
func DoKiroImport(ctx context.Context, out io.Writer, cfg *config.Config, path string) error {
	if strings.EqualFold(strings.TrimSpace(path), "ide") {
		path = kiro.DefaultIDETokenPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("kiro import: read %s: %w", path, err)
	}
	manager, st, err := openManager(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	return importKiroData(ctx, out, data, kiro.NewRefresher(cfg, nil), manager, time.Now)
}

func importKiroData(ctx context.Context, out io.Writer, data []byte, refresher kiro.TokenRefresher, registrar kiro.AuthRegistrar, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}
	if v, token, ok, err := kiro.ParseIDEToken(data); ok {
		if err != nil {
			return err
		}
		if !token.ExpiresAt.IsZero() && now().After(token.ExpiresAt) {
			fmt.Fprintln(out, "IDE token expired, refreshing...")
			if token, err = refresher.Refresh(ctx, v); err != nil {
				return fmt.Errorf("kiro import: refresh failed: %w", err)
			}
		}
		record, err := kiro.BuildImportedAuth(v, token, now())
		if err != nil {
			return err
		}
		record.Attributes["source"] = "kiro-ide"
		saved, err := registrar.Register(ctx, record)
		if err != nil {
			return fmt.Errorf("kiro import: save failed: %w", err)
		}
		fmt.Fprintf(out, "Imported %s (%s)\n", saved.ID, kiro.ExtractEmail(saved))
		return nil
	}

	items, err := decodeBatch(data)
	if err != nil {
		return err
	}
	results := kiro.ImportItems(ctx, items, refresher, registrar, now)
	failed := 0
	for _, r := range results {
		if r.Success {
			fmt.Fprintf(out, "[%d] ok   %s %s\n", r.Index+1, r.ID, r.Email)
			continue
		}
		failed++
		fmt.Fprintf(out, "[%d] fail %s\n", r.Index+1, r.Error)
	}
	fmt.Fprintf(out, "Imported %d of %d account(s)\n", len(results)-failed, len(results))
	if failed == len(results) {
		return fmt.Errorf("kiro import: no account imported")
	}
	return nil
}

func decodeBatch(data []byte) ([]kiro.JSONImportItem, error) {
	var items []kiro.JSONImportItem
	raw := data
	if gjson.GetBytes(data, "items").IsArray() {
		raw = []byte(gjson.GetBytes(data, "items").Raw)
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("kiro import: expected a token file or a JSON array of accounts: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("kiro import: no accounts in file")
	}
	return items, nil
}
