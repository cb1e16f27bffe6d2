package worker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/andresmejia3/lineage/internal/types"
)

// Request opcodes, first byte of every request body.
const (
	opLoad         byte = 1
	opDetectSingle byte = 2
	opDetectAll    byte = 3
)

const (
	statusOK    byte = 0
	statusError byte = 1
)

// maxDescriptorDim guards against garbage length fields.
const maxDescriptorDim = 4096

func encodeRequest(op byte, payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, op)
	return append(buf, payload...)
}

// decodeResponse parses a response body.
//
// OK:    [Status:0] [NumFaces u32] then per face:
//
//	[Box 4*i32 x,y,w,h] [Dim u32] [Vec Dim*f32] [Score f32] [Age f32] [GenderProb f32] [GenderLen u8] [Gender]
//
// Error: [Status:1] [MsgLen u32] [Msg]
func decodeResponse(body []byte) ([]types.Face, error) {
	r := bytes.NewReader(body)

	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty worker response: %w", err)
	}

	if status == statusError {
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	}
	if status != statusOK {
		return nil, fmt.Errorf("unknown worker status %d", status)
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		// load acknowledgements carry no face block
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("malformed face count: %w", err)
	}

	faces := make([]types.Face, 0, n)
	for i := uint32(0); i < n; i++ {
		f, err := decodeFace(r)
		if err != nil {
			return nil, fmt.Errorf("malformed face %d: %w", i, err)
		}
		faces = append(faces, f)
	}
	return faces, nil
}

func decodeFace(r *bytes.Reader) (types.Face, error) {
	var box [4]int32
	if err := binary.Read(r, binary.BigEndian, &box); err != nil {
		return types.Face{}, err
	}
	var dim uint32
	if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
		return types.Face{}, err
	}
	if dim > maxDescriptorDim {
		return types.Face{}, fmt.Errorf("descriptor dimension %d too large", dim)
	}
	vec32 := make([]float32, dim)
	if err := binary.Read(r, binary.BigEndian, vec32); err != nil {
		return types.Face{}, err
	}
	var attrs [3]float32 // score, age, gender probability
	if err := binary.Read(r, binary.BigEndian, &attrs); err != nil {
		return types.Face{}, err
	}
	genderLen, err := r.ReadByte()
	if err != nil {
		return types.Face{}, err
	}
	gender := make([]byte, genderLen)
	if _, err := io.ReadFull(r, gender); err != nil {
		return types.Face{}, err
	}

	vec := make([]float64, dim)
	for i, v := range vec32 {
		vec[i] = float64(v)
	}
	return types.Face{
		Box:              types.Box{X: int(box[0]), Y: int(box[1]), Width: int(box[2]), Height: int(box[3])},
		Vec:              vec,
		Score:            float64(attrs[0]),
		Age:              float64(attrs[1]),
		GenderConfidence: float64(attrs[2]),
		Gender:           string(gender),
	}, nil
}
