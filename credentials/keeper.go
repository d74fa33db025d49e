package credentials

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	ksm "github.com/keeper-security/secrets-manager-go/core"
)

const credentialsFileName = "credentials.json"

// KeeperRecord is the credential material kept in a Keeper vault record:
// the credential artifact attached as credentials.json, the administrator
// in the login field, and optional custom fields.
type KeeperRecord struct {
	Uid         string
	Credentials []byte
	Subject     string
	Domain      string
	Scopes      []string
	Demo        bool
}

// LoadKeeperRecord fetches the record shared to the Secrets Manager
// application. recordUid narrows the search to one record.
func LoadKeeperRecord(configBase64, recordUid string) (kr *KeeperRecord, err error) {
	if len(configBase64) == 0 {
		err = errors.New("keeper secrets manager configuration is not set")
		return
	}
	var sm = ksm.NewSecretsManager(&ksm.ClientOptions{
		Config: ksm.NewMemoryKeyValueStorage(configBase64),
	})
	var filter []string
	if len(recordUid) > 0 {
		filter = append(filter, recordUid)
	}
	var records []*ksm.Record
	if records, err = sm.GetSecrets(filter); err != nil {
		err = fmt.Errorf("keeper secrets manager: %w", err)
		return
	}
	for _, r := range records {
		if len(r.FindFiles(credentialsFileName)) == 0 {
			continue
		}
		return RecordFromKeeper(r)
	}
	err = errors.New("no record with a credentials.json attachment was found. Make sure the record is shared to the KSM application")
	return
}

func RecordFromKeeper(r *ksm.Record) (kr *KeeperRecord, err error) {
	var files = r.FindFiles(credentialsFileName)
	if len(files) == 0 {
		err = fmt.Errorf("record %s has no %s attachment", r.Uid, credentialsFileName)
		return
	}
	kr = &KeeperRecord{
		Uid:         r.Uid,
		Credentials: files[0].GetFileData(),
		Subject:     r.GetFieldValueByType("login"),
	}
	if len(kr.Credentials) == 0 {
		err = fmt.Errorf("record %s: %s is empty", r.Uid, credentialsFileName)
		return
	}
	if values := fieldValues(r.GetCustomFieldsByLabel("Workspace Domain")); len(values) > 0 {
		kr.Domain = values[0]
	}
	kr.Scopes = append(kr.Scopes, fieldValues(r.GetCustomFieldsByLabel("Scopes"))...)
	kr.Scopes = append(kr.Scopes, fieldValues(r.GetCustomFieldsByLabel("Scope"))...)
	var fields = r.GetCustomFieldsByLabel("Demo Mode")
	if len(fields) > 0 {
		if bv, ok := toBoolean(fields[0]["value"]); ok {
			kr.Demo = bv
		}
	}
	slog.Debug("keeper record loaded", "uid", kr.Uid, "subject", kr.Subject, "scopes", len(kr.Scopes))
	return
}

// fieldValues flattens custom field values. A single text value may hold
// several entries separated by commas or new lines.
func fieldValues(fields []map[string]any) (values []string) {
	var add = func(s string) {
		for _, line := range strings.Split(s, "\n") {
			for _, v := range strings.Split(line, ",") {
				if v = strings.TrimSpace(v); len(v) > 0 {
					values = append(values, v)
				}
			}
		}
	}
	for _, field := range fields {
		var v, ok = field["value"]
		if !ok || v == nil {
			continue
		}
		switch vt := v.(type) {
		case []any:
			for _, e := range vt {
				if s, ok := toString(e); ok {
					add(s)
				}
			}
		case string:
			add(vt)
		}
	}
	return
}

func toBoolean(intf any) (result bool, ok bool) {
	if intf == nil {
		return
	}
	var supportedValue any
	switch fv := intf.(type) {
	case bool, string:
		supportedValue = fv
	case []any:
		if len(fv) > 0 {
			switch fv[0].(type) {
			case bool, string:
				supportedValue = fv[0]
			}
		}
	}
	switch fv := supportedValue.(type) {
	case bool:
		result, ok = fv, true
	case string:
		switch strings.ToLower(strings.TrimSpace(fv)) {
		case "1", "true", "yes", "on":
			result, ok = true, true
		case "0", "false", "no", "off":
			result, ok = false, true
		}
	}
	return
}

func toString(intf any) (result string, ok bool) {
	if intf == nil {
		return
	}
	result, ok = intf.(string)
	return
}
