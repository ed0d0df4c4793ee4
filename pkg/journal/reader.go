package journal

import (
	"io"
	"os"
)

// ReadAll reads every record from files (in order) into memory, skipping a
// torn tail record at crash recovery time rather than failing the whole
// scan. Grounded on the teacher's reader.go Reader/ReadAll, simplified
// because journal files are read once at startup, not streamed live.
func ReadAll(files []string) ([]*Record, error) {
	var out []*Record
	for _, path := range files {
		fd, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		for {
			rec, err := ReadRecord(fd)
			if err == io.EOF {
				break
			}
			if err == ErrTruncated || err == ErrCorrupted {
				// A crash can leave a partially written final record;
				// later files (if any) still need scanning, but this
				// file's tail contributes nothing further.
				break
			}
			if err != nil {
				fd.Close()
				return nil, err
			}
			out = append(out, rec)
		}
		fd.Close()
	}
	return out, nil
}
