package bcvtb

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"

	"github.com/KevinKickass/CoSimBridge/internal/registry"
	"github.com/KevinKickass/CoSimBridge/internal/types"
	"golang.org/x/text/encoding/charmap"
)

// Default file names expected by the engine's external interface.
const (
	SocketConfigFile    = "socket.cfg"
	VariableMappingFile = "variables.cfg"
)

const (
	xmlHeader      = `<?xml version="1.0" encoding="ISO-8859-1"?>` + "\n"
	variablesDTD   = `<!DOCTYPE BCVTB-variables SYSTEM "variables.dtd">` + "\n"
	sourceEngine   = "EnergyPlus"
	sourceExternal = "Ptolemy"

	// DefaultInputKind is the external-interface object used for inputs
	// that declare no EnergyPlus type.
	DefaultInputKind = "schedule"
)

type socketConfig struct {
	XMLName xml.Name `xml:"BCVTB-client"`
	IPC     struct {
		Socket struct {
			Port     int    `xml:"port,attr"`
			Hostname string `xml:"hostname,attr"`
		} `xml:"socket"`
	} `xml:"ipc"`
}

type variableMapping struct {
	XMLName   xml.Name   `xml:"BCVTB-variables"`
	Variables []variable `xml:"variable"`
}

type variable struct {
	Source string        `xml:"source,attr"`
	Engine engineBinding `xml:"EnergyPlus"`
}

type engineBinding struct {
	Attrs []xml.Attr `xml:",any,attr"`
}

// WriteSocketConfig writes the file telling the engine where to connect.
func WriteSocketConfig(path, host string, port int) error {
	var cfg socketConfig
	cfg.IPC.Socket.Port = port
	cfg.IPC.Socket.Hostname = host

	body, err := xml.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode socket config: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(xmlHeader)
	buf.Write(body)
	buf.WriteByte('\n')

	return writeLatin1(path, buf.Bytes())
}

// WriteVariableMapping writes the file declaring, in slot order, which
// values the engine sends (outputs) and which it expects back (inputs).
func WriteVariableMapping(path string, layout *registry.Layout) error {
	doc := variableMapping{}

	for _, p := range layout.OutputPoints() {
		kind := p.EnergyPlusType
		if kind == "" {
			kind = string(p.Type)
		}
		doc.Variables = append(doc.Variables, variable{
			Source: sourceEngine,
			Engine: engineBinding{Attrs: []xml.Attr{
				{Name: xml.Name{Local: "name"}, Value: p.Name},
				{Name: xml.Name{Local: "type"}, Value: kind},
			}},
		})
	}

	for _, p := range layout.InputPoints() {
		doc.Variables = append(doc.Variables, variable{
			Source: sourceExternal,
			Engine: engineBinding{Attrs: []xml.Attr{
				{Name: xml.Name{Local: inputKind(p)}, Value: p.Name},
			}},
		})
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode variable mapping: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(xmlHeader)
	buf.WriteString(variablesDTD)
	buf.Write(body)
	buf.WriteByte('\n')

	return writeLatin1(path, buf.Bytes())
}

func inputKind(p types.Point) string {
	if p.EnergyPlusType == "" {
		return DefaultInputKind
	}
	return p.EnergyPlusType
}

// writeLatin1 transcodes data to match the declared ISO-8859-1 encoding.
// Names with characters outside Latin-1 are rejected.
func writeLatin1(path string, data []byte) error {
	encoded, err := charmap.ISO8859_1.NewEncoder().Bytes(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s as ISO-8859-1: %w", filepath.Base(path), err)
	}
	return writeAtomic(path, encoded)
}

// writeAtomic replaces path so the engine never sees a half-written file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
