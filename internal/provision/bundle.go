package provision

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"sort"
	"time"

	"orbmesh/internal/models"
	"orbmesh/internal/pki"
)

// bundleFiles — содержимое архива, который устройство забирает после активации.
func bundleFiles(dev *models.DeviceIdentity, s *models.MeshServer, cert *pki.CertificateBundle) (map[string]string, error) {
	meta, err := json.MarshalIndent(map[string]any{
		"deviceId":   dev.DeviceID,
		"serverId":   s.ID,
		"name":       s.Name,
		"endpoint":   s.Endpoint,
		"region":     s.Region,
		"country":    s.Country,
		"protocols":  s.ProtocolList(),
		"serial":     cert.SerialNumber,
		"validFrom":  cert.ValidFrom.UTC().Format(time.RFC3339),
		"validUntil": cert.ValidUntil.UTC().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"device.crt":  cert.CertificatePEM,
		"device.key":  cert.PrivateKeyPEM,
		"ca.crt":      cert.CACertificatePEM,
		"server.json": string(meta) + "\n",
	}, nil
}

// deterministicTarGz — одинаковый вход даёт побайтно одинаковый архив (порядок файлов, mtime, gzip header).
func deterministicTarGz(files map[string]string) ([]byte, error) {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	gw.Header.ModTime = time.Unix(0, 0) // иначе меняется при каждом вызове

	tw := tar.NewWriter(gw)
	epoch := time.Unix(0, 0)

	for _, name := range paths {
		content := files[name]
		mode := int64(0o644)
		if name == "device.key" {
			mode = 0o600
		}
		hdr := &tar.Header{
			Name:     name,
			Mode:     mode,
			Size:     int64(len(content)),
			ModTime:  epoch,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			_ = tw.Close()
			_ = gw.Close()
			return nil, err
		}
		if _, err := io.WriteString(tw, content); err != nil {
			_ = tw.Close()
			_ = gw.Close()
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		_ = gw.Close()
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
