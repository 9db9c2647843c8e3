package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"voxelsync.dev/internal/protocol"
	"voxelsync.dev/internal/world/chunk"
)

// Catalogs are the server-side registries shared with clients through ServerConfig.
type Catalogs struct {
	Blocks BlockCatalog
	Models NamedCatalog
	Items  NamedCatalog

	// AssetsHash covers the manifests and every file under <dir>/assets.
	AssetsHash []byte
}

type BlockCatalog struct {
	Palette []string
	Index   map[string]chunk.BlockID
	Defs    map[string]BlockDef
}

type BlockDef struct {
	Name   string `json:"name"`
	Solid  bool   `json:"solid"`
	Liquid bool   `json:"liquid"`
}

// NamedCatalog assigns dense ids to names in sorted order.
type NamedCatalog struct {
	Names []string
	Index map[string]uint32
}

func (b BlockCatalog) ID(name string) (chunk.BlockID, error) {
	id, ok := b.Index[name]
	if !ok {
		return 0, fmt.Errorf("missing block in palette: %s", name)
	}
	return id, nil
}

func (b BlockCatalog) Name(id chunk.BlockID) string {
	if int(id) < len(b.Palette) {
		return b.Palette[id]
	}
	return fmt.Sprintf("unknown_%d", id)
}

func Load(dir string) (*Catalogs, error) {
	var c Catalogs
	h := sha256.New()

	raw, err := readManifest(filepath.Join(dir, "blocks.json"), "blocks.schema.json", true)
	if err != nil {
		return nil, err
	}
	h.Write(raw)
	if err := loadBlocks(raw, &c.Blocks); err != nil {
		return nil, err
	}

	for _, m := range []struct {
		file string
		out  *NamedCatalog
	}{
		{"models.json", &c.Models},
		{"items.json", &c.Items},
	} {
		raw, err := readManifest(filepath.Join(dir, m.file), "named.schema.json", false)
		if err != nil {
			return nil, err
		}
		h.Write(raw)
		if err := loadNamed(m.file, raw, m.out); err != nil {
			return nil, err
		}
	}

	if err := hashAssets(filepath.Join(dir, "assets"), h); err != nil {
		return nil, err
	}
	c.AssetsHash = h.Sum(nil)
	return &c, nil
}

func (c *Catalogs) AssetsHashHex() string { return hex.EncodeToString(c.AssetsHash) }

// ServerConfig is the manifest sent to every client after identification.
func (c *Catalogs) ServerConfig() protocol.ServerConfig {
	return protocol.ServerConfig{
		AssetsHash: c.AssetsHash,
		Blocks:     append([]string(nil), c.Blocks.Palette...),
		Models:     copyIndex(c.Models.Index),
		Items:      copyIndex(c.Items.Index),
	}
}

func copyIndex(in map[string]uint32) map[string]uint32 {
	out := make(map[string]uint32, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func readManifest(path, schema string, required bool) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !required && os.IsNotExist(err) {
			return []byte("[]"), nil
		}
		return nil, err
	}
	if err := validate(schema, filepath.Base(path), raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func loadBlocks(raw []byte, out *BlockCatalog) error {
	var defs []BlockDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("blocks.json: %w", err)
	}
	out.Defs = map[string]BlockDef{}
	for _, d := range defs {
		if _, dup := out.Defs[d.Name]; dup {
			return fmt.Errorf("blocks.json: duplicate block %s", d.Name)
		}
		out.Defs[d.Name] = d
	}

	// air is always id 0.
	if _, ok := out.Defs["air"]; !ok {
		return fmt.Errorf("blocks.json: missing air")
	}
	names := make([]string, 0, len(out.Defs))
	for n := range out.Defs {
		if n != "air" {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	names = append([]string{"air"}, names...)
	if len(names) > 1<<16 {
		return fmt.Errorf("blocks.json: too many blocks: %d", len(names))
	}

	out.Palette = names
	out.Index = make(map[string]chunk.BlockID, len(names))
	for i, n := range names {
		out.Index[n] = chunk.BlockID(i)
	}
	return nil
}

func loadNamed(file string, raw []byte, out *NamedCatalog) error {
	var defs []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}
	seen := map[string]struct{}{}
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("%s: duplicate name %s", file, d.Name)
		}
		seen[d.Name] = struct{}{}
		names = append(names, d.Name)
	}
	sort.Strings(names)
	out.Names = names
	out.Index = make(map[string]uint32, len(names))
	for i, n := range names {
		out.Index[n] = uint32(i)
	}
	return nil
}

func hashAssets(dir string, h interface{ Write([]byte) (int, error) }) error {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	sort.Strings(files)
	for _, p := range files {
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, p)
		h.Write([]byte(filepath.ToSlash(rel)))
		h.Write([]byte{0})
		h.Write(b)
	}
	return nil
}

// BlockManifest returns block names ordered by id.
func (c *Catalogs) BlockManifest() []string {
	out := make([]string, len(c.Blocks.Palette))
	copy(out, c.Blocks.Palette)
	return out
}

func (n NamedCatalog) Manifest() map[string]uint32 {
	out := make(map[string]uint32, len(n.Index))
	for k, v := range n.Index {
		out[k] = v
	}
	return out
}

func trimName(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// ResolveBlocks maps names to ids, failing on the first unknown name.
func (b BlockCatalog) ResolveBlocks(names ...string) ([]chunk.BlockID, error) {
	out := make([]chunk.BlockID, len(names))
	for i, n := range names {
		id, err := b.ID(trimName(n))
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}
