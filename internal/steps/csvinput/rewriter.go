package csvinput

import (
	"bufio"
	"bytes"
	"io"
)

const rewriteChunk = 64 * 1024

// rewriter replaces every occurrence of pat with repl while streaming. The
// last len(pat)-1 bytes of each block are held back as carry so a match
// spanning two reads is still found.
type rewriter struct {
	br    *bufio.Reader
	pat   []byte
	repl  []byte
	carry []byte
	out   bytes.Buffer
	tmp   []byte
	eof   bool
}

func newRewriter(r io.Reader, pat, repl []byte) *rewriter {
	k := len(pat) - 1
	if k < 0 {
		k = 0
	}
	return &rewriter{
		br:    bufio.NewReaderSize(r, rewriteChunk),
		pat:   pat,
		repl:  repl,
		carry: make([]byte, 0, k),
		tmp:   make([]byte, rewriteChunk),
	}
}

func (w *rewriter) Read(p []byte) (int, error) {
	for w.out.Len() == 0 {
		if w.eof {
			return 0, io.EOF
		}
		if err := w.fill(); err != nil {
			return 0, err
		}
	}
	return w.out.Read(p)
}

// fill reads one chunk and moves everything but the carry to out.
func (w *rewriter) fill() error {
	n, err := w.br.Read(w.tmp)
	if n > 0 {
		block := make([]byte, 0, len(w.carry)+n)
		block = append(block, w.carry...)
		block = append(block, w.tmp[:n]...)
		if len(w.pat) > 0 {
			block = bytes.ReplaceAll(block, w.pat, w.repl)
		}

		k := len(w.pat) - 1
		if k > 0 && len(block) > k {
			w.out.Write(block[:len(block)-k])
			w.carry = append(w.carry[:0], block[len(block)-k:]...)
		} else if k > 0 {
			w.carry = append(w.carry[:0], block...)
		} else {
			w.out.Write(block)
		}
	}
	switch {
	case err == io.EOF:
		w.out.Write(w.carry)
		w.carry = w.carry[:0]
		w.eof = true
	case err != nil:
		return err
	}
	return nil
}
