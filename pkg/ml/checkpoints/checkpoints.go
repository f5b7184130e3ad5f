// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements checkpoint management: saving and loading parameters (and optionally
// policies) to a directory.
//
// The main object is the Handler, that should be created by calling Build, followed by the
// various options setting and finally calling Config.Done.
// Once created, if a previous saved checkpoint exists, it is loaded into Handler.LoadBuffer, which
// should be given to layers.Layer.Init of the model, so parameters are loaded instead of initialized.
// And as the model trains, one can call Handler.Save() at any time with the parameters saved by
// layers.Layer.SaveWeights to save a new checkpoint.
//
// Example:
//
//	checkpoint, err := checkpoints.Build().Dir(*flagCheckpoint).Keep(3).Done()
//	if err != nil { … }
//	err = model.Init(initializer.New(seed), checkpoint.LoadBuffer())
//	…
//	// Every N steps:
//	saver := checkpoints.NewBuffer()
//	err = model.SaveWeights(saver)
//	…
//	err = checkpoint.Save(saver, globalStep)
//
// Each checkpoint is a pair of files: a JSON file with the metadata (see Metadata) and a binary file with
// the values, by default gzip compressed.
package checkpoints

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/layerkit/pkg/core/shapes"
	"github.com/gomlx/layerkit/pkg/core/tensors"
	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// ErrUnsupportedCompression signifies an error when a compression type is not supported.
	ErrUnsupportedCompression = errors.New("unsupported compression")
)

// BinFormat defines the type for representing binary file compression formats.
type BinFormat int

const (
	// BinGZIP represents the GZIP compressed binary file format.
	BinGZIP BinFormat = iota

	// BinUncompressed represents the uncompressed binary file format.
	BinUncompressed
)

// String implements the Stringer interface.
func (bf BinFormat) String() string {
	switch bf {
	case BinGZIP:
		return "gzip"
	case BinUncompressed:
		return "uncompressed"
	default:
		return "unknown"
	}
}

// Config for the checkpoints' Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done() and it will output
// a checkpoints.Handler that loads (if there are any previously saved checkpoints) and
// saves checkpoints.
type Config struct {
	err error

	dir       string
	keep      int
	mustLoad  bool
	storeAs   dtypes.DType
	binFormat BinFormat
	policies  *layers.Policies
}

// Build a configuration for building a checkpoints.Handler. After configuring the
// Config object returned, call `Done` to get the configured checkpoints.Handler.
//
// The new checkpoints.Handler will load the latest checkpoint in the directory (see Config.Dir or Config.TempDir)
// if it exists, otherwise it creates a new directory and can simply be used to save checkpoints.
func Build() *Config {
	return &Config{keep: 1, storeAs: dtypes.InvalidDType}
}

// Load creates the configuration to load a checkpoint.
// It's identical to Build, except it will fail if the checkpoint does not already exist.
func Load() *Config {
	c := Build()
	c.mustLoad = true
	return c
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where to save / load the checkpoints. It is created if it doesn't exist (except
// if configured with Load).
//
// One must set either Dir or TempDir before building the checkpoints.Handler.
func (c *Config) Dir(dir string) *Config {
	c.dir = dir
	fi, err := os.Stat(dir)
	if err != nil && !os.IsNotExist(err) {
		c.setError(errors.Wrapf(err, "failed to os.Stat(%q)", dir))
		return c
	}
	if err == nil && !fi.IsDir() {
		c.setError(errors.Errorf("checkpoint directory %q exists but it's a normal file, not a directory", dir))
		return c
	}
	if err == nil {
		return c
	}
	if c.mustLoad {
		c.setError(errors.Wrapf(err, "checkpoint directory %q does not exist or cannot be accessed", dir))
		return c
	}
	if err = os.MkdirAll(dir, DirPermMode); err != nil {
		c.setError(errors.Wrapf(err, "trying to create dir %q", dir))
	}
	return c
}

// TempDir creates a temporary directory under dir, with the pattern name, and uses this
// directory to load / save checkpoints. It's a convenience wrapper to os.MkdirTemp.
//
// If dir is the empty string, MkdirTemp uses the default directory for temporary files, as returned
// by os.TempDir.
//
// Any errors are reported on the return to the call to the method Done.
func (c *Config) TempDir(dir, pattern string) *Config {
	newDir, err := os.MkdirTemp(dir, pattern)
	if err != nil {
		c.setError(errors.Wrapf(err, "failed to create os.MkdirTemp(%q, %q)", dir, pattern))
		return c
	}
	c.dir = newDir
	if err = os.Chmod(c.dir, DirPermMode); err != nil {
		c.setError(errors.Wrapf(err, "failed to os.Chmod(%q, %s)", newDir, DirPermMode))
	}
	return c
}

// Keep configures the number of checkpoint files to keep. If set to -1, it will never erase older checkpoints.
// The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// StoreAs sets the dtype used to store values in the binary file. Values are converted back to the
// parameter dtype when loaded. By default, values are stored with the dtype of each parameter.
//
// Storing as dtypes.Float16 or dtypes.BFloat16 halves (or quarters) the size of checkpoints, at the cost of precision.
func (c *Config) StoreAs(dtype dtypes.DType) *Config {
	if !tensors.IsSupportedDType(dtype) {
		c.setError(errors.Errorf("checkpoints.StoreAs(%s): dtype not supported", dtype))
		return c
	}
	c.storeAs = dtype
	return c
}

// WithCompression sets the binary format to the provided value. The default configuration is BinGZIP.
func (c *Config) WithCompression(bf BinFormat) *Config {
	c.binFormat = bf
	if bf != BinGZIP && bf != BinUncompressed {
		c.binFormat = BinGZIP
	}
	return c
}

// WithPolicies makes the Handler save the given policies with each checkpoint, and restore the policies of
// the loaded checkpoint (if any) into it, when Done is called.
func (c *Config) WithPolicies(policies *layers.Policies) *Config {
	c.policies = policies
	return c
}

// Done creates a Handler with the current configuration. It returns an error if
// the configuration is invalid or if it's missing information.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.Errorf("directory for checkpoints not configured or empty")
	}
	h := &Handler{config: c, loadBuffer: NewBuffer()}
	checkpoints, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	if len(checkpoints) == 0 && c.mustLoad {
		return nil, errors.Errorf("no checkpoints found in %q", c.dir)
	}
	h.checkpointsCount = maxCheckPointCountFromCheckpoints(checkpoints) + 1
	if len(checkpoints) > 0 {
		if err = h.loadCheckpointFromFile(checkpoints[len(checkpoints)-1]); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Handler handles saving and loading of checkpoints. See an example in the package documentation.
//
// It is created and configured using Build(), followed by options setting and then calling
// Config.Done().
//
// Loading happens at its creation time: it loads the latest checkpoint into the LoadBuffer.
// Saving of checkpoints is explicit, by calling Handler.Save().
type Handler struct {
	config           *Config
	loadBuffer       *Buffer
	metadata         *Metadata
	checkpointsCount int
}

// Metadata of a checkpoint, stored in its JSON file.
type Metadata struct {
	// ID is a unique id of the checkpoint.
	ID string

	// GlobalStep when the checkpoint was saved.
	GlobalStep int64

	// Time the checkpoint was saved.
	Time time.Time

	// BinFormat describes the format used by the binary file. It is informative.
	// The current valid values are "gzip" and "uncompressed"
	BinFormat string

	// Params lists the saved parameters, in the order they are stored in the binary file.
	Params []ParamInfo

	// Policies saved with the checkpoint, if any.
	Policies []PolicyInfo `json:",omitempty"`
}

// ParamInfo describes a saved parameter.
type ParamInfo struct {
	// Name of the parameter.
	Name string

	// Dimensions of the shape.
	Dimensions []int

	// DType of the parameter.
	DType dtypes.DType

	// StoredDType is the dtype used in the binary file.
	StoredDType dtypes.DType

	// Pos, Length in bytes in the (uncompressed) binary file.
	Pos, Length int
}

// Shape of the parameter.
func (p ParamInfo) Shape() shapes.Shape { return shapes.Make(p.DType, p.Dimensions...) }

// PolicyInfo represents a saved policy value.
// It includes the original ValueType, because the JSON decoder may
// not be capable of recovering the original type in anonymous (any) Value.
type PolicyInfo struct {
	Scope, Key string
	Value      any
	ValueType  string
}

// jsonDecodeTypeConvert attempts to convert the Value decoded by JSON into the original ValueType.
//
// E.g.: JSON decoder will decode all numbers to float64. So we cast it to the given ValueType.
func (p *PolicyInfo) jsonDecodeTypeConvert() {
	switch value := p.Value.(type) {
	case float64:
		switch p.ValueType {
		case "int":
			p.Value = int(value)
		case "int64":
			p.Value = int64(value)
		case "float32":
			p.Value = float32(value)
		case "dtypes.DType":
			p.Value = dtypes.DType(value)
		}
	case string:
		if p.ValueType == "dtypes.DType" {
			// DType may be encoded by its name.
			for _, dtype := range []dtypes.DType{dtypes.Float64, dtypes.Float32, dtypes.Float16, dtypes.BFloat16,
				dtypes.Int64, dtypes.Int32, dtypes.Bool} {
				if dtype.String() == value {
					p.Value = dtype
					break
				}
			}
		}
	case []any:
		switch p.ValueType {
		case "[]int":
			ints := make([]int, len(value))
			for ii, fAny := range value {
				f, _ := fAny.(float64) // JSON decoder converts any numbers to float64.
				ints[ii] = int(f)
			}
			p.Value = ints
		case "[]float64":
			floats := make([]float64, len(value))
			for ii, fAny := range value {
				floats[ii], _ = fAny.(float64)
			}
			p.Value = floats
		case "[]string":
			strs := make([]string, len(value))
			for ii, sAny := range value {
				strs[ii], _ = sAny.(string)
			}
			p.Value = strs
		}
	}
}

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// Dir returns the directory the Handler is configured to.
// It returns "" (empty) if the Handler is `nil`.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.config.dir
}

// LoadBuffer returns the buffer with the parameters loaded from the latest checkpoint. It is empty if there were
// no checkpoints. Pass it to layers.Layer.Init.
func (h *Handler) LoadBuffer() *Buffer { return h.loadBuffer }

// Metadata of the last checkpoint loaded or saved, or nil if there is none.
func (h *Handler) Metadata() *Metadata { return h.metadata }

const (
	baseNamePrefix = "checkpoint-"

	// JsonNameSuffix for the JSON files returned by Handler.ListCheckpoints.
	JsonNameSuffix = ".json"

	// BinDataSuffix for the data files (holding the tensor values) returned by Handler.ListCheckpoints.
	BinDataSuffix = ".bin"
)

// newCheckpointBaseName returns the base name for the checkpoint files.
func (h *Handler) newCheckpointBaseName(globalStep int64, now time.Time) string {
	baseName := fmt.Sprintf("%sn%07d-%s", baseNamePrefix, h.checkpointsCount, now.Format("20060102-150405"))
	if globalStep > 0 {
		return fmt.Sprintf("%s-step-%08d", baseName, globalStep)
	}
	return fmt.Sprintf("%s-initial", baseName)
}

// ListCheckpoints returns the base file names of the checkpoints in the directory in time order (older first).
//
// The actual paths are these base file names suffixed with JsonNameSuffix and BinDataSuffix, in Handler.Dir.
func (h *Handler) ListCheckpoints() (checkpoints []string, err error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, JsonNameSuffix) {
			continue
		}
		checkpoints = append(checkpoints, strings.TrimSuffix(fileName, JsonNameSuffix))
	}
	slices.Sort(checkpoints)
	return checkpoints, nil
}

// HasCheckpoints returns whether there are any checkpoints saved.
func (h *Handler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// maxCheckPointCountFromCheckpoints returns the largest `checkpointCount` in the saved
// checkpoints -- so the next checkpoint saved uses this count+1.
//
// The input should be the output of Handler.ListCheckpoints.
func maxCheckPointCountFromCheckpoints(checkpoints []string) int {
	maxId := -1
	for _, name := range checkpoints {
		matches := checkpointCountRegex.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		maxId = max(maxId, id)
	}
	return maxId
}

// loadCheckpointFromFile loads a specific checkpoint into the load buffer, replacing its contents.
func (h *Handler) loadCheckpointFromFile(baseName string) error {
	klog.V(1).Infof("loading: %q", baseName)
	binFileName := filepath.Join(h.config.dir, baseName+BinDataSuffix)
	f, err := os.Open(binFileName)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to open checkpoint data file %s", h, binFileName)
	}
	defer func() { _ = f.Close() }()
	binReader, err := getLoadVarFilesFromReader(f)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to read checkpoint data file %s", h, binFileName)
	}

	jsonFileName := filepath.Join(h.config.dir, baseName+JsonNameSuffix)
	jsonFile, err := os.Open(jsonFileName)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to open checkpoint metadata file %s", h, jsonFileName)
	}
	defer func() { _ = jsonFile.Close() }()
	if err = h.loadCheckpoint(jsonFile, binReader); err != nil {
		return errors.WithMessagef(err, "failed loading checkpoint from %s{%s,%s}", baseName, JsonNameSuffix, BinDataSuffix)
	}
	return nil
}

// loadCheckpoint from a jsonReader for the metadata, and a binReader with the actual data for the parameters.
func (h *Handler) loadCheckpoint(jsonReader, binReader io.Reader) error {
	var metadata *Metadata
	if err := json.NewDecoder(jsonReader).Decode(&metadata); err != nil {
		return errors.Wrapf(err, "%s: failed to decode metadata of checkpoint", h)
	}
	if metadata == nil {
		return errors.Errorf("%s: empty checkpoint metadata", h)
	}

	// Parameters are stored in order.
	loadBuffer := NewBuffer()
	var memoryPos int
	for _, info := range metadata.Params {
		if info.Pos != memoryPos {
			return errors.Errorf("parameter %q position at %d is out-of-order, expected it to be in %d",
				info.Name, info.Pos, memoryPos)
		}
		data := make([]byte, info.Length)
		if _, err := io.ReadFull(binReader, data); err != nil {
			return errors.Wrapf(err, "%s: failed to read parameter %q from checkpoint binary file at position %d",
				h, info.Name, info.Pos)
		}
		memoryPos += info.Length
		value, err := tensors.FromBytes(info.Shape(), info.StoredDType, data)
		if err != nil {
			return errors.WithMessagef(err, "%s: parameter %q", h, info.Name)
		}
		loadBuffer.Set(info.Name, value)
	}

	if h.config.policies != nil {
		for ii := range metadata.Policies {
			p := &metadata.Policies[ii]
			p.jsonDecodeTypeConvert()
			h.config.policies.Set(p.Scope, p.Key, p.Value)
		}
		if err := h.config.policies.Err(); err != nil {
			return errors.WithMessagef(err, "%s: restoring policies", h)
		}
	}
	h.loadBuffer = loadBuffer
	h.metadata = metadata
	return nil
}

// Save creates a new checkpoint with all the parameters in buffer (usually filled with layers.Layer.SaveWeights)
// and the given globalStep. If configured with WithPolicies, the policies are saved as well.
//
// Parameters in the load buffer that are not in buffer (e.g.: parameters of parts of the model not used)
// are saved too, so they are not lost.
//
// If the handler is nil, this is a no-op: so it's safe to simply be called, even if the user hasn't configured a
// checkpoint.
func (h *Handler) Save(buffer *Buffer, globalStep int64) error {
	if h == nil {
		return nil
	}
	now := time.Now()
	metadata := &Metadata{
		ID:         uuid.NewString(),
		GlobalStep: globalStep,
		Time:       now,
		BinFormat:  h.config.binFormat.String(),
	}
	if h.config.policies != nil {
		h.config.policies.Enumerate(func(scope, key string, value any) {
			metadata.Policies = append(metadata.Policies,
				PolicyInfo{Scope: scope, Key: key, Value: value, ValueType: fmt.Sprintf("%T", value)})
		})
	}

	// Create files.
	baseName := h.newCheckpointBaseName(globalStep, now)
	h.checkpointsCount++
	varFileName := filepath.Join(h.config.dir, baseName+BinDataSuffix)
	varFile, err := getSaveVarFiles(varFileName, h.config.binFormat)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create checkpoint data file %s", h, varFileName)
	}

	pos := 0
	saveParam := func(name string, value *tensors.Tensor) error {
		storedDType := h.config.storeAs
		if storedDType == dtypes.InvalidDType {
			storedDType = value.DType()
		}
		data, err := value.Bytes(storedDType)
		if err != nil {
			return errors.WithMessagef(err, "%s: parameter %q", h, name)
		}
		n, err := varFile.Write(data)
		if err != nil {
			return errors.Wrapf(err, "%s: failed to write parameter %q", h, name)
		}
		if n != len(data) {
			return errors.Errorf("%s: failed to write parameter %q -- %d bytes requested, %d bytes written",
				h, name, len(data), n)
		}
		metadata.Params = append(metadata.Params, ParamInfo{
			Name:        name,
			Dimensions:  value.Shape().Dimensions,
			DType:       value.DType(),
			StoredDType: storedDType,
			Pos:         pos,
			Length:      len(data),
		})
		pos += len(data)
		return nil
	}
	for _, name := range buffer.Names() {
		if err = saveParam(name, buffer.Get(name)); err != nil {
			_ = varFile.Close()
			return err
		}
	}
	for _, name := range h.loadBuffer.Names() {
		if _, found := buffer.TryGet(layers.Plain, name); found {
			continue
		}
		if err = saveParam(name, h.loadBuffer.Get(name)); err != nil {
			_ = varFile.Close()
			return err
		}
	}
	if err = varFile.Flush(); err != nil {
		return errors.Wrapf(err, "%s: failed to flush checkpoint data file %s", h, varFileName)
	}
	if err = varFile.Close(); err != nil {
		return errors.Wrapf(err, "%s: failed to close checkpoint data file %s", h, varFileName)
	}

	// Write the metadata.
	jsonFileName := filepath.Join(h.config.dir, baseName+JsonNameSuffix)
	jsonFile, err := os.Create(jsonFileName)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create checkpoint metadata file %s", h, jsonFileName)
	}
	enc := json.NewEncoder(jsonFile)
	enc.SetIndent("", "\t")
	if err = enc.Encode(metadata); err != nil {
		_ = jsonFile.Close()
		return errors.Wrapf(err, "%s: failed to write checkpoint metadata file %s", h, jsonFileName)
	}
	if err = jsonFile.Close(); err != nil {
		return errors.Wrapf(err, "%s: failed to close checkpoint metadata file %s", h, jsonFileName)
	}
	h.metadata = metadata
	klog.V(1).Infof("%s: saved %q with %d parameters (global step %d)", h, baseName, len(metadata.Params), globalStep)

	// Remove excess checkpoints.
	return h.keepNCheckpoints()
}

// keepNCheckpoints checks if there are more than the configured number of checkpoints, and remove
// the excess.
func (h *Handler) keepNCheckpoints() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return errors.WithMessagef(err, "%s failed to list saved checkpoints", h)
	}
	if len(list) <= h.config.keep {
		return nil
	}

	// Remove the excess checkpoints, starting from the earlier ones.
	for _, baseName := range list[:len(list)-h.config.keep] {
		for _, suffix := range []string{BinDataSuffix, JsonNameSuffix} {
			fileName := filepath.Join(h.config.dir, baseName+suffix)
			if err = os.Remove(fileName); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", h, fileName)
			}
		}
	}
	return nil
}

const (
	binHeader     = "layerkit_checkpoints"
	lenBinHeader  = len(binHeader)
	gzipHeader    = "gzip"
	lenGzipHeader = uint8(len(gzipHeader))
)

// Binary file header, for compressed files:
//
//	| 0                   19 | 20  | 21   20+len |
//	| "layerkit_checkpoints" | len |   "gzip"    |
//
// Uncompressed files have no header.

// getLoadVarFilesFromReader returns a reader to the decompressed binary values.
func getLoadVarFilesFromReader(f io.ReadSeeker) (io.Reader, error) {
	buf := make([]byte, lenBinHeader)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "read header")
	}
	if n < lenBinHeader || string(buf) != binHeader {
		if _, err = f.Seek(0, io.SeekStart); err != nil {
			return nil, errors.Wrap(err, "seek header")
		}
		return f, nil
	}
	var headerZipLen uint8
	if err := binary.Read(f, binary.BigEndian, &headerZipLen); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	buf = make([]byte, headerZipLen)
	if _, err = io.ReadFull(f, buf); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if string(buf) != gzipHeader {
		return nil, ErrUnsupportedCompression
	}
	rd, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrap(err, "read gzip header")
	}
	defer func() { _ = rd.Close() }()
	var decompressed bytes.Buffer
	if _, err = decompressed.ReadFrom(rd); err != nil {
		return nil, errors.Wrap(err, "read gzip")
	}
	return &decompressed, nil
}

type flushWriter interface {
	Write([]byte) (int, error)
	Close() error
	Flush() error
}

type flushNullWriter struct {
	io.WriteCloser
}

func (fw flushNullWriter) Flush() error {
	return nil
}

// gzipFileWriter closes both the gzip writer and the underlying file.
type gzipFileWriter struct {
	*gzip.Writer
	f *os.File
}

func (w gzipFileWriter) Close() error {
	if err := w.Writer.Close(); err != nil {
		_ = w.f.Close()
		return err
	}
	return w.f.Close()
}

// getSaveVarFiles creates a new file at the specified path, and for BinGZIP writes the header and returns a
// gzip writer for the file. It is the responsibility of the caller to call the writer's Flush function before
// closing.
func getSaveVarFiles(path string, bf BinFormat) (flushWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create file")
	}
	if bf == BinUncompressed {
		return &flushNullWriter{f}, nil
	}
	var header []byte
	header = append(header, []byte(binHeader)...)
	header = append(header, lenGzipHeader)
	header = append(header, []byte(gzipHeader)...)
	if _, err = f.Write(header); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "write header")
	}
	return gzipFileWriter{Writer: gzip.NewWriter(f), f: f}, nil
}
