// ============================================================================
// simfarm WireCodec - trajectory binary layout
// ============================================================================
//
// Package: internal/codec
// File: codec.go
//
// Layout per trajectory (big endian, IEEE-754 doubles):
//
//	int32   sampleCount
//	float64 start
//	float64 end
//	int32   successful (1/0)
//	int64   generationTimeNanos
//	sampleCount x { float64 time, [width]byte state }
//
// A ComputationResult is trajectories back to back with no count and no
// trailer; the reader decodes until input is exhausted. A width mismatch
// between peers desynchronizes the remainder of the stream.
//
// ============================================================================

package codec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"time"

	"github.com/ChuLiYu/simfarm/pkg/types"
)

// headerSize is the fixed part of a trajectory record
const headerSize = 4 + 8 + 8 + 4 + 8

// StateCodec supplies the fixed width of one model's encoded state
type StateCodec interface {
	StateWidth() int
}

// Width is a StateCodec for a constant width
type Width int

func (w Width) StateWidth() int { return int(w) }

func checkWidth(sc StateCodec) (int, error) {
	if sc == nil {
		return 0, &SchemaMismatchError{Expected: 0, Actual: 0}
	}
	w := sc.StateWidth()
	if w <= 0 {
		return 0, &SchemaMismatchError{Expected: w, Actual: w}
	}
	return w, nil
}

// EncodedSize returns the number of bytes t occupies on the wire
func EncodedSize(t types.Trajectory, width int) int {
	return headerSize + len(t.Samples)*(8+width)
}

// WriteTrajectory appends the encoding of t to w
func WriteTrajectory(w io.Writer, t types.Trajectory, sc StateCodec) error {
	width, err := checkWidth(sc)
	if err != nil {
		return err
	}
	if len(t.Samples) > math.MaxInt32 {
		return errors.New("codec: too many samples")
	}
	buf := make([]byte, 0, EncodedSize(t, width))
	buf = binary.BigEndian.AppendUint32(buf, uint32(int32(len(t.Samples))))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(t.Start))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(t.End))
	var flag uint32
	if t.Successful {
		flag = 1
	}
	buf = binary.BigEndian.AppendUint32(buf, flag)
	buf = binary.BigEndian.AppendUint64(buf, uint64(t.GenerationTime.Nanoseconds()))
	for _, s := range t.Samples {
		if len(s.State) != width {
			return &SchemaMismatchError{Expected: width, Actual: len(s.State)}
		}
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(s.Time))
		buf = append(buf, s.State...)
	}
	_, err = w.Write(buf)
	return err
}

// EncodeTrajectory returns the encoding of a single trajectory
func EncodeTrajectory(t types.Trajectory, sc StateCodec) ([]byte, error) {
	var b bytes.Buffer
	if err := WriteTrajectory(&b, t, sc); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// EncodeResult writes every trajectory of r back to back
func EncodeResult(r types.ComputationResult, sc StateCodec) ([]byte, error) {
	var b bytes.Buffer
	for _, t := range r.Trajectories {
		if err := WriteTrajectory(&b, t, sc); err != nil {
			return nil, err
		}
	}
	return b.Bytes(), nil
}

// reader tracks the offset for error reporting
type reader struct {
	r   *bufio.Reader
	off int64
}

func (r *reader) full(p []byte, field string) error {
	n, err := io.ReadFull(r.r, p)
	r.off += int64(n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return &DecodeError{Offset: r.off, Field: field, Cause: err}
	}
	return nil
}

// ReadTrajectory decodes one trajectory from r. It returns io.EOF only when r is
// exhausted before the first byte of the record. Pass the same *bufio.Reader to
// read successive records; any other reader is wrapped and may be over-read.
func ReadTrajectory(r io.Reader, sc StateCodec) (types.Trajectory, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return readTrajectory(&reader{r: br}, sc)
}

func readTrajectory(rd *reader, sc StateCodec) (types.Trajectory, error) {
	width, err := checkWidth(sc)
	if err != nil {
		return types.Trajectory{}, err
	}
	if _, err := rd.r.Peek(1); err == io.EOF {
		return types.Trajectory{}, io.EOF
	}

	var hdr [headerSize]byte
	if err := rd.full(hdr[:], "header"); err != nil {
		return types.Trajectory{}, err
	}
	count := int32(binary.BigEndian.Uint32(hdr[0:4]))
	if count < 0 {
		return types.Trajectory{}, &DecodeError{Offset: rd.off, Field: "sampleCount", Cause: errors.New("negative sample count")}
	}
	flag := binary.BigEndian.Uint32(hdr[20:24])
	if flag > 1 {
		return types.Trajectory{}, &DecodeError{Offset: rd.off, Field: "successful", Cause: errors.New("flag is neither 0 nor 1")}
	}
	t := types.Trajectory{
		Start:          math.Float64frombits(binary.BigEndian.Uint64(hdr[4:12])),
		End:            math.Float64frombits(binary.BigEndian.Uint64(hdr[12:20])),
		Successful:     flag == 1,
		GenerationTime: time.Duration(int64(binary.BigEndian.Uint64(hdr[24:32]))),
	}
	if count > 0 {
		t.Samples = make([]types.Sample, 0, min(int(count), 1<<16))
	}
	var tb [8]byte
	for i := int32(0); i < count; i++ {
		if err := rd.full(tb[:], "sample time"); err != nil {
			return types.Trajectory{}, err
		}
		state := make([]byte, width)
		if err := rd.full(state, "sample state"); err != nil {
			return types.Trajectory{}, err
		}
		t.Samples = append(t.Samples, types.Sample{
			Time:  math.Float64frombits(binary.BigEndian.Uint64(tb[:])),
			State: state,
		})
	}
	return t, nil
}

// DecodeTrajectory decodes exactly one trajectory; trailing bytes are an error
func DecodeTrajectory(b []byte, sc StateCodec) (types.Trajectory, error) {
	rd := &reader{r: bufio.NewReader(bytes.NewReader(b))}
	t, err := readTrajectory(rd, sc)
	if err == io.EOF {
		return types.Trajectory{}, &DecodeError{Offset: 0, Field: "header", Cause: io.ErrUnexpectedEOF}
	}
	if err != nil {
		return types.Trajectory{}, err
	}
	if rd.off != int64(len(b)) {
		return types.Trajectory{}, &DecodeError{Offset: rd.off, Field: "trailer", Cause: errors.New("trailing bytes")}
	}
	return t, nil
}

// DecodeResult decodes trajectories until b is exhausted. On any error the
// whole batch is discarded.
func DecodeResult(b []byte, sc StateCodec) (types.ComputationResult, error) {
	if _, err := checkWidth(sc); err != nil {
		return types.ComputationResult{}, err
	}
	rd := &reader{r: bufio.NewReader(bytes.NewReader(b))}
	var res types.ComputationResult
	for {
		t, err := readTrajectory(rd, sc)
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			return types.ComputationResult{}, err
		}
		res.Trajectories = append(res.Trajectories, t)
	}
}
