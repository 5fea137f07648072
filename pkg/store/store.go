// Package store persists student records and attendance for the ceremony.
// It backs the matching engine's lookups with SQLite through GORM and keeps
// face embeddings encrypted at rest.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/gradscan/gradscan/pkg/logging"
	"github.com/gradscan/gradscan/pkg/vision"
)

// Attendance states for a student record.
const (
	AttendancePending = "Pending"
	AttendancePresent = "Present"
)

// Methods recorded on attendance entries.
const (
	MethodFaceMatch      = "face-match"
	MethodManualOverride = "manual-override"
)

// ErrNotFound is returned when no record matches the identifier.
var ErrNotFound = errors.New("student not found")

// ErrExists is returned when registering an identifier twice.
var ErrExists = errors.New("student already registered")

// Student is the persisted record. The embedding column holds the face
// vector as a little-endian float32 blob, sealed when encryption is on.
type Student struct {
	StudentID       string `gorm:"primaryKey"`
	Name            string
	Faculty         string
	GraduationLevel string
	Embedding       []byte
	PhotoPath       string
	QRCodePath      string
	Attendance      string
	RegisteredAt    time.Time
}

// AttendanceEntry is one confirmed presence, appended per match.
type AttendanceEntry struct {
	ID        string `gorm:"primaryKey"`
	StudentID string `gorm:"index"`
	Method    string
	MarkedAt  time.Time
}

// Record is the lookup result handed to the matching engine.
type Record struct {
	Identifier      string
	Name            string
	Faculty         string
	GraduationLevel string
	Embedding       vision.Embedding
	Attendance      string
}

// Stats summarizes the student table.
type Stats struct {
	Total            int
	ByLevel          map[string]int
	ByFaculty        map[string]int
	AttendanceCounts map[string]int
}

// Store is the SQLite-backed record store. Lookups are safe for concurrent
// use; attendance writes are idempotent per identifier.
type Store struct {
	db     *gorm.DB
	cipher *cipher
}

// Open opens or creates the database at path and migrates the schema.
func Open(path string, encrypt bool) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&Student{}, &AttendanceEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	s := &Store{db: db}
	if encrypt {
		c, err := newCipher()
		if err != nil {
			return nil, fmt.Errorf("failed to derive encryption key: %w", err)
		}
		s.cipher = c
	}

	return s, nil
}

// Register adds a new student with their face embedding.
func (s *Store) Register(rec Record, photoPath, qrPath string) error {
	var count int64
	if err := s.db.Model(&Student{}).Where("student_id = ?", rec.Identifier).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check registration: %w", err)
	}
	if count > 0 {
		return ErrExists
	}

	blob, err := s.encodeEmbedding(rec.Embedding)
	if err != nil {
		return err
	}

	student := Student{
		StudentID:       rec.Identifier,
		Name:            rec.Name,
		Faculty:         rec.Faculty,
		GraduationLevel: rec.GraduationLevel,
		Embedding:       blob,
		PhotoPath:       photoPath,
		QRCodePath:      qrPath,
		Attendance:      AttendancePending,
		RegisteredAt:    time.Now(),
	}

	if err := s.db.Create(&student).Error; err != nil {
		return fmt.Errorf("failed to register student: %w", err)
	}

	logging.Infof("Registered student %s (%s)", rec.Identifier, rec.Name)
	return nil
}

// Lookup returns the record for an identifier, or ErrNotFound.
func (s *Store) Lookup(identifier string) (*Record, error) {
	var student Student
	err := s.db.First(&student, "student_id = ?", identifier).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up student: %w", err)
	}

	embedding, err := s.decodeEmbedding(student.Embedding)
	if err != nil {
		return nil, err
	}

	return &Record{
		Identifier:      student.StudentID,
		Name:            student.Name,
		Faculty:         student.Faculty,
		GraduationLevel: student.GraduationLevel,
		Embedding:       embedding,
		Attendance:      student.Attendance,
	}, nil
}

// MarkPresent sets the student's attendance to Present and appends an
// attendance entry. Marking an already-present student only appends the
// entry, so repeated confirmations stay harmless.
func (s *Store) MarkPresent(identifier, method string) error {
	res := s.db.Model(&Student{}).
		Where("student_id = ?", identifier).
		Update("attendance", AttendancePresent)
	if res.Error != nil {
		return fmt.Errorf("failed to mark attendance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}

	entry := AttendanceEntry{
		ID:        uuid.NewString(),
		StudentID: identifier,
		Method:    method,
		MarkedAt:  time.Now(),
	}
	if err := s.db.Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to record attendance entry: %w", err)
	}

	logging.WithFields(logging.Fields{
		"student": identifier,
		"method":  method,
	}).Info("Attendance marked present")
	return nil
}

// Delete removes a student record.
func (s *Store) Delete(identifier string) error {
	res := s.db.Delete(&Student{}, "student_id = ?", identifier)
	if res.Error != nil {
		return fmt.Errorf("failed to delete student: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all students ordered by identifier.
func (s *Store) List() ([]Student, error) {
	var students []Student
	if err := s.db.Order("student_id").Find(&students).Error; err != nil {
		return nil, fmt.Errorf("failed to list students: %w", err)
	}
	return students, nil
}

// Search matches the query against identifier, name, and faculty.
func (s *Store) Search(query string) ([]Student, error) {
	like := "%" + query + "%"
	var students []Student
	err := s.db.
		Where("student_id LIKE ? OR name LIKE ? OR faculty LIKE ?", like, like, like).
		Order("student_id").
		Find(&students).Error
	if err != nil {
		return nil, fmt.Errorf("failed to search students: %w", err)
	}
	return students, nil
}

// Statistics aggregates counts over the student table.
func (s *Store) Statistics() (Stats, error) {
	students, err := s.List()
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		Total:            len(students),
		ByLevel:          make(map[string]int),
		ByFaculty:        make(map[string]int),
		AttendanceCounts: map[string]int{AttendancePending: 0, AttendancePresent: 0},
	}
	for _, st := range students {
		stats.ByLevel[st.GraduationLevel]++
		stats.ByFaculty[st.Faculty]++
		stats.AttendanceCounts[st.Attendance]++
	}
	return stats, nil
}

// encodeEmbedding serializes the vector and seals it when encryption is on.
func (s *Store) encodeEmbedding(e vision.Embedding) ([]byte, error) {
	blob := make([]byte, 4*len(e))
	for i, v := range e {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}

	if s.cipher == nil {
		return blob, nil
	}

	sealed, err := s.cipher.seal(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt embedding: %w", err)
	}
	return sealed, nil
}

func (s *Store) decodeEmbedding(blob []byte) (vision.Embedding, error) {
	if s.cipher != nil {
		plain, err := s.cipher.open(blob)
		if err != nil {
			return nil, err
		}
		blob = plain
	}

	if len(blob)%4 != 0 {
		return nil, errors.New("malformed embedding blob")
	}

	e := make(vision.Embedding, len(blob)/4)
	for i := range e {
		e[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return e, nil
}
