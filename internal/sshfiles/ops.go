package sshfiles

import (
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"path"
	"strconv"
	"strings"
	"time"
)

// FileEntry is one row in a directory listing.
type FileEntry struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Type        string    `json:"type"` // file, directory or link
	Size        int64     `json:"size"`
	Permissions string    `json:"permissions"`
	Modified    time.Time `json:"modified,omitempty"`
}

// chunkSize bounds each base64 exec in the fallback write path. Large
// single commands trip ARG_MAX on some systems.
const chunkSize = 1 << 20

// List returns the entries of a remote directory.
func (s *Session) List(dirPath string) ([]FileEntry, error) {
	s.touch()
	if sftpc := s.sftpClient(); sftpc != nil {
		infos, err := sftpc.ReadDir(dirPath)
		if err == nil {
			entries := make([]FileEntry, 0, len(infos))
			for _, info := range infos {
				kind := "file"
				if info.IsDir() {
					kind = "directory"
				} else if info.Mode()&os.ModeSymlink != 0 {
					kind = "link"
				}
				entries = append(entries, FileEntry{
					Name:        info.Name(),
					Path:        path.Join(dirPath, info.Name()),
					Type:        kind,
					Size:        info.Size(),
					Permissions: info.Mode().String(),
					Modified:    info.ModTime(),
				})
			}
			return entries, nil
		}
		log.Printf("[files] session %s: sftp list %s failed, falling back to ls: %v", s.ID, dirPath, err)
	}

	quoted, err := shellQuote(dirPath)
	if err != nil {
		return nil, err
	}
	out, err := s.runOutput("ls -la " + quoted)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dirPath, err)
	}
	return parseLsOutput(dirPath, out), nil
}

// Read returns the contents of a remote file.
func (s *Session) Read(filePath string) ([]byte, error) {
	s.touch()
	if sftpc := s.sftpClient(); sftpc != nil {
		if f, err := sftpc.Open(filePath); err == nil {
			return readAll(f)
		} else {
			log.Printf("[files] session %s: sftp read %s failed, falling back to cat: %v", s.ID, filePath, err)
		}
	}

	quoted, err := shellQuote(filePath)
	if err != nil {
		return nil, err
	}
	out, err := s.runOutput("cat " + quoted)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filePath, err)
	}
	return []byte(out), nil
}

// Write stores data at the remote path, creating or truncating it.
func (s *Session) Write(filePath string, data []byte) error {
	s.touch()
	if sftpc := s.sftpClient(); sftpc != nil {
		if err := s.sftpWrite(sftpc, filePath, data); err == nil {
			return nil
		} else {
			log.Printf("[files] session %s: sftp write %s failed, falling back to base64: %v", s.ID, filePath, err)
		}
	}
	return s.shellWrite(filePath, data)
}

func (s *Session) sftpWrite(sftpc sftpAPI, filePath string, data []byte) error {
	f, err := sftpc.Create(filePath)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// shellWrite streams the file as base64 chunks so arbitrary bytes pass
// through the shell safely.
func (s *Session) shellWrite(filePath string, data []byte) error {
	quoted, err := shellQuote(filePath)
	if err != nil {
		return err
	}

	redirect := " > "
	for off := 0; off < len(data) || off == 0; off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		b64 := base64.StdEncoding.EncodeToString(data[off:end])
		cmd := fmt.Sprintf("echo '%s' | base64 -d%s%s", b64, redirect, quoted)
		if err := s.runChecked(cmd); err != nil {
			return fmt.Errorf("write %s: %w", filePath, err)
		}
		redirect = " >> "
		if len(data) == 0 {
			break
		}
	}
	return nil
}

// CreateFile creates an empty file.
func (s *Session) CreateFile(filePath string) error {
	s.touch()
	if sftpc := s.sftpClient(); sftpc != nil {
		if f, err := sftpc.Create(filePath); err == nil {
			return f.Close()
		} else {
			log.Printf("[files] session %s: sftp create %s failed, falling back to touch: %v", s.ID, filePath, err)
		}
	}
	quoted, err := shellQuote(filePath)
	if err != nil {
		return err
	}
	if err := s.runChecked("touch " + quoted); err != nil {
		return fmt.Errorf("create file %s: %w", filePath, err)
	}
	return nil
}

// CreateDirectory creates a directory, with parents in the fallback.
func (s *Session) CreateDirectory(dirPath string) error {
	s.touch()
	if sftpc := s.sftpClient(); sftpc != nil {
		if err := sftpc.Mkdir(dirPath); err == nil {
			return nil
		} else {
			log.Printf("[files] session %s: sftp mkdir %s failed, falling back: %v", s.ID, dirPath, err)
		}
	}
	quoted, err := shellQuote(dirPath)
	if err != nil {
		return err
	}
	if err := s.runChecked("mkdir -p " + quoted); err != nil {
		return fmt.Errorf("create directory %s: %w", dirPath, err)
	}
	return nil
}

// Delete removes a file or directory. Directories are always removed
// through the shell because SFTP cannot delete recursively.
func (s *Session) Delete(targetPath string, isDir bool) error {
	s.touch()
	if !isDir {
		if sftpc := s.sftpClient(); sftpc != nil {
			if err := sftpc.Remove(targetPath); err == nil {
				return nil
			} else {
				log.Printf("[files] session %s: sftp remove %s failed, falling back to rm: %v", s.ID, targetPath, err)
			}
		}
	}

	quoted, err := shellQuote(targetPath)
	if err != nil {
		return err
	}
	cmd := "rm -f " + quoted
	if isDir {
		cmd = "rm -rf " + quoted
	}
	if err := s.runChecked(cmd); err != nil {
		return fmt.Errorf("delete %s: %w", targetPath, err)
	}
	return nil
}

// Rename moves a file or directory.
func (s *Session) Rename(oldPath, newPath string) error {
	s.touch()
	if sftpc := s.sftpClient(); sftpc != nil {
		if err := sftpc.Rename(oldPath, newPath); err == nil {
			return nil
		} else {
			log.Printf("[files] session %s: sftp rename %s failed, falling back to mv: %v", s.ID, oldPath, err)
		}
	}
	oldQ, err := shellQuote(oldPath)
	if err != nil {
		return err
	}
	newQ, err := shellQuote(newPath)
	if err != nil {
		return err
	}
	if err := s.runChecked(fmt.Sprintf("mv %s %s", oldQ, newQ)); err != nil {
		return fmt.Errorf("rename %s: %w", oldPath, err)
	}
	return nil
}

// parseLsOutput converts `ls -la` lines into entries. Column 0 carries
// the permission string, columns 8 onward the (possibly space-bearing)
// name.
func parseLsOutput(dirPath, out string) []FileEntry {
	entries := []FileEntry{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		fields := strings.Fields(line)
		if len(fields) < 9 || strings.HasPrefix(line, "total") {
			continue
		}
		perms := fields[0]
		name := strings.Join(fields[8:], " ")
		// Symlink lines read "name -> target".
		if perms[0] == 'l' {
			if i := strings.Index(name, " -> "); i >= 0 {
				name = name[:i]
			}
		}
		if name == "." || name == ".." {
			continue
		}

		kind := "file"
		switch perms[0] {
		case 'd':
			kind = "directory"
		case 'l':
			kind = "link"
		}
		size, _ := strconv.ParseInt(fields[4], 10, 64)
		entries = append(entries, FileEntry{
			Name:        name,
			Path:        path.Join(dirPath, name),
			Type:        kind,
			Size:        size,
			Permissions: perms,
		})
	}
	return entries
}
