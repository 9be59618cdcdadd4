// Package sshstats collects liveness and resource metrics from remote
// hosts over pooled SSH connections.
package sshstats

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/scjtqs2/Termix-sub002/internal/credentials"
	"github.com/scjtqs2/Termix-sub002/internal/sshpool"
	"golang.org/x/crypto/ssh"
)

const (
	probeTimeout = 5 * time.Second
	cpuSampleGap = 500 * time.Millisecond
)

// CPUMetrics is nil on the snapshot when every CPU probe failed.
type CPUMetrics struct {
	Percent *int       `json:"percent"`
	Cores   *int       `json:"cores"`
	Load    *[3]float64 `json:"loadAverage"`
}

type MemoryMetrics struct {
	TotalGiB    *float64 `json:"totalGiB"`
	UsedGiB     *float64 `json:"usedGiB"`
	UsedPercent *int     `json:"usedPercent"`
}

type DiskMetrics struct {
	Total       *string `json:"total"`
	Used        *string `json:"used"`
	Available   *string `json:"available"`
	UsedPercent *int    `json:"usedPercent"`
}

// Snapshot is the per-host metrics document. Blocks that could not be
// collected are null rather than failing the whole snapshot.
type Snapshot struct {
	HostID      uint           `json:"hostId"`
	CPU         *CPUMetrics    `json:"cpu"`
	Memory      *MemoryMetrics `json:"memory"`
	Disk        *DiskMetrics   `json:"disk"`
	CollectedAt time.Time      `json:"collectedAt"`
}

// runCommand executes a single command on an established client. It is
// a package-level var so tests can substitute canned outputs.
var runCommand = func(client *ssh.Client, cmd string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()
	out, err := session.Output(cmd)
	if err != nil {
		return "", fmt.Errorf("run %q: %w", cmd, err)
	}
	return string(out), nil
}

// sleepBetweenSamples is overridable so CPU delta tests run instantly.
var sleepBetweenSamples = func() { time.Sleep(cpuSampleGap) }

type cacheEntry struct {
	snap    *Snapshot
	expires time.Time
}

// Collector caches per-host snapshots and serializes collection through
// the per-host request queue so metrics never stampede a host.
type Collector struct {
	pool  *sshpool.Pool
	queue *sshpool.RequestQueue
	ttl   time.Duration

	mu    sync.Mutex
	cache map[uint]cacheEntry
}

func NewCollector(pool *sshpool.Pool, queue *sshpool.RequestQueue, ttl time.Duration) *Collector {
	return &Collector{
		pool:  pool,
		queue: queue,
		ttl:   ttl,
		cache: make(map[uint]cacheEntry),
	}
}

// ProbeLiveness reports "online" when a TCP connection to the host's
// SSH port succeeds within the probe timeout, "offline" otherwise.
func ProbeLiveness(ip string, port int) string {
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, probeTimeout)
	if err != nil {
		return "offline"
	}
	conn.Close()
	return "online"
}

// Collect returns the cached snapshot for the host when it is fresh,
// otherwise gathers a new one through the request queue. The caller's
// context bounds the whole operation.
func (c *Collector) Collect(ctx context.Context, userID, hostID uint) (*Snapshot, error) {
	c.mu.Lock()
	if entry, ok := c.cache[hostID]; ok && time.Now().Before(entry.expires) {
		c.mu.Unlock()
		return entry.snap, nil
	}
	c.mu.Unlock()

	result := c.queue.Enqueue(hostID, func() (interface{}, error) {
		return c.gather(ctx, userID, hostID)
	})

	select {
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		snap := res.Value.(*Snapshot)
		c.mu.Lock()
		c.cache[hostID] = cacheEntry{snap: snap, expires: time.Now().Add(c.ttl)}
		c.mu.Unlock()
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops the cached snapshot so the next Collect refreshes.
func (c *Collector) Invalidate(hostID uint) {
	c.mu.Lock()
	delete(c.cache, hostID)
	c.mu.Unlock()
}

// Sweep evicts expired cache entries. Run periodically from cron.
func (c *Collector) Sweep() {
	now := time.Now()
	c.mu.Lock()
	for id, entry := range c.cache {
		if now.After(entry.expires) {
			delete(c.cache, id)
		}
	}
	c.mu.Unlock()
}

func (c *Collector) gather(ctx context.Context, userID, hostID uint) (*Snapshot, error) {
	// The requester may have given up while this sat in the queue.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, err := credentials.Resolve(userID, hostID)
	if err != nil {
		return nil, err
	}
	client, err := c.pool.Acquire(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer c.pool.Release(client)

	snap := &Snapshot{HostID: hostID, CollectedAt: time.Now()}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		snap.CPU = collectCPU(client, hostID)
	}()
	go func() {
		defer wg.Done()
		snap.Memory = collectMemory(client, hostID)
	}()
	go func() {
		defer wg.Done()
		snap.Disk = collectDisk(client, hostID)
	}()
	wg.Wait()

	return snap, nil
}

func collectCPU(client *ssh.Client, hostID uint) *CPUMetrics {
	m := &CPUMetrics{}
	any := false

	sampleA, errA := runCommand(client, "cat /proc/stat")
	if out, err := runCommand(client, "cat /proc/loadavg"); err == nil {
		if load, err := parseLoadAvg(out); err == nil {
			m.Load = &load
			any = true
		}
	} else {
		log.Printf("[stats] host %d: loadavg: %v", hostID, err)
	}
	if out, err := runCommand(client, "nproc 2>/dev/null || grep -c ^processor /proc/cpuinfo"); err == nil {
		if cores, err := parseCoreCount(out); err == nil {
			m.Cores = &cores
			any = true
		}
	} else {
		log.Printf("[stats] host %d: core count: %v", hostID, err)
	}

	if errA == nil {
		sleepBetweenSamples()
		if sampleB, err := runCommand(client, "cat /proc/stat"); err == nil {
			a, aerr := parseCPUSample(sampleA)
			b, berr := parseCPUSample(sampleB)
			if aerr == nil && berr == nil {
				pct := cpuPercent(a, b)
				m.Percent = &pct
				any = true
			}
		} else {
			log.Printf("[stats] host %d: second cpu sample: %v", hostID, err)
		}
	} else {
		log.Printf("[stats] host %d: first cpu sample: %v", hostID, errA)
	}

	if !any {
		return nil
	}
	return m
}

func collectMemory(client *ssh.Client, hostID uint) *MemoryMetrics {
	out, err := runCommand(client, "cat /proc/meminfo")
	if err != nil {
		log.Printf("[stats] host %d: meminfo: %v", hostID, err)
		return nil
	}
	mem, err := parseMemInfo(out)
	if err != nil {
		log.Printf("[stats] host %d: meminfo: %v", hostID, err)
		return nil
	}
	return &MemoryMetrics{
		TotalGiB:    &mem.TotalGiB,
		UsedGiB:     &mem.UsedGiB,
		UsedPercent: &mem.UsedPercent,
	}
}

func collectDisk(client *ssh.Client, hostID uint) *DiskMetrics {
	human, herr := runCommand(client, "df -h -P /")
	if herr != nil {
		log.Printf("[stats] host %d: df -h: %v", hostID, herr)
		return nil
	}
	bytes, berr := runCommand(client, "df -B1 -P /")
	if berr != nil {
		log.Printf("[stats] host %d: df -B1: %v", hostID, berr)
		bytes = ""
	}
	disk, err := parseDF(human, bytes)
	if err != nil {
		log.Printf("[stats] host %d: df parse: %v", hostID, err)
		return nil
	}
	return &DiskMetrics{
		Total:       &disk.Total,
		Used:        &disk.Used,
		Available:   &disk.Available,
		UsedPercent: &disk.UsedPercent,
	}
}
