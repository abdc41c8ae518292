package vmm

import (
	"fmt"
	"io"
	"sync"
)

// Console collects what guests print, one line buffer per GPC, and
// writes complete lines prefixed with the GPC id.
type Console struct {
	mu    sync.Mutex
	w     io.Writer
	lines map[int][]byte
	order []int
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w, lines: map[int][]byte{}}
}

// PutChar appends c to the line of gpc and writes the line out on '\n'.
func (c *Console) PutChar(gpc int, ch byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	line, ok := c.lines[gpc]
	if !ok {
		c.order = append(c.order, gpc)
	}

	if ch != '\n' {
		c.lines[gpc] = append(line, ch)

		return nil
	}

	c.lines[gpc] = line[:0]

	return c.emit(gpc, line)
}

func (c *Console) emit(gpc int, line []byte) error {
	_, err := fmt.Fprintf(c.w, "gpc %d: %s\n", gpc, line)

	return err
}

// Flush writes the unterminated lines.
func (c *Console) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, gpc := range c.order {
		if line := c.lines[gpc]; len(line) != 0 {
			if err := c.emit(gpc, line); err != nil {
				log.WithError(err).Warn("console flush")
			}

			c.lines[gpc] = line[:0]
		}
	}
}
