package protocol

import (
	"bufio"
	"encoding/json"
	"io"
)

// MessageError reports a well-framed JSON value that is not a valid
// message. The stream is still positioned at the next message.
type MessageError struct {
	Err error
}

func (e *MessageError) Error() string {
	return "malformed message: " + e.Err.Error()
}

func (e *MessageError) Unwrap() error {
	return e.Err
}

// Decoder reads messages one at a time from a stream
type Decoder struct {
	dec *json.Decoder
}

// NewDecoder returns a decoder reading from r
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

// ReadRequest decodes the next request. It returns io.EOF when the stream
// ends between messages and *MessageError when a complete value is not a
// request; any other error means the stream is unusable.
func (d *Decoder) ReadRequest() (*Request, error) {
	var req Request
	if err := d.read(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// ReadResponse decodes the next response
func (d *Decoder) ReadResponse() (*Response, error) {
	var resp Response
	if err := d.read(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (d *Decoder) read(v interface{}) error {
	var raw json.RawMessage
	if err := d.dec.Decode(&raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &MessageError{Err: err}
	}
	return nil
}

// Encoder writes messages back to back and flushes after each one
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder returns an encoder writing to w
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// WriteRequest sends req
func (e *Encoder) WriteRequest(req *Request) error {
	return e.write(req)
}

// WriteResponse sends resp
func (e *Encoder) WriteResponse(resp *Response) error {
	return e.write(resp)
}

func (e *Encoder) write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := e.w.Write(data); err != nil {
		return err
	}
	return e.w.Flush()
}
