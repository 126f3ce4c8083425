// Command respdemo loads a trained patch expert bank plus a face image and
// prints per-landmark response peaks for one Response call.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"face-align/internal/expert"
	"face-align/internal/imgproc"
	"face-align/internal/shape"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

func main() {
	svr := flag.String("svr", "", "Comma-separated SVR patch expert files (one per scale)")
	ccnf := flag.String("ccnf", "", "Comma-separated CCNF patch expert files (one per scale)")
	cen := flag.String("cen", "", "Comma-separated CEN patch expert files (one per scale)")
	early := flag.String("early", "", "Early termination parameters file")
	imgPath := flag.String("img", "", "Path to the face image")
	meanPath := flag.String("mean", "", "Mean shape file: one 'x y' landmark per line")
	window := flag.Int("window", 11, "Response window size")
	scaleLvl := flag.Int("scale", 0, "Scale level to evaluate")
	poseScale := flag.Float64("pose-scale", 1.0, "Global pose scale")
	yaw := flag.Float64("yaw", 0, "Head yaw in degrees")
	pitch := flag.Float64("pitch", 0, "Head pitch in degrees")
	roll := flag.Float64("roll", 0, "Head roll in degrees")
	tx := flag.Float64("tx", 0, "Global pose x translation")
	ty := flag.Float64("ty", 0, "Global pose y translation")
	flag.Parse()

	if *imgPath == "" || *meanPath == "" || (*svr == "" && *ccnf == "" && *cen == "") {
		fmt.Println("Usage: respdemo -img <image> -mean <shape> [-svr|-ccnf|-cen <files>] [-window N] [-scale N]")
		os.Exit(1)
	}

	log, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	bank, err := expert.Load(splitPaths(*svr), splitPaths(*ccnf), splitPaths(*cen), *early,
		expert.WithLogger(log))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load patch experts: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %s bank: %d scales, %d views at scale %d\n",
		bank.Family(), bank.NumScales(), bank.NumViews(*scaleLvl), *scaleLvl)

	plane, err := loadGrayscale(*imgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read image: %v\n", err)
		os.Exit(1)
	}

	mean, err := loadMeanShape(*meanPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read mean shape: %v\n", err)
		os.Exit(1)
	}
	model, err := shape.NewPDM(mean, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bad mean shape: %v\n", err)
		os.Exit(1)
	}

	pose := expert.GlobalPose{
		Scale: *poseScale,
		Rot: [3]float64{
			*yaw * math.Pi / 180,
			*pitch * math.Pi / 180,
			*roll * math.Pi / 180,
		},
		Tx: *tx,
		Ty: *ty,
	}
	view := bank.SelectView(pose, *scaleLvl)
	fmt.Printf("Selected view %d for pose orientation (%.3f, %.3f, %.3f)\n",
		view, pose.Rot[0], pose.Rot[1], pose.Rot[2])

	responses := make([]*mat.Dense, model.NumPoints())
	refToImg, _, err := bank.Response(responses, plane, model, pose, nil, *window, *scaleLvl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Response computation failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Reference-to-image similarity: scale %.4f, angle %.4f rad\n",
		refToImg.Scale(), refToImg.Angle())
	for i, resp := range responses {
		if resp == nil {
			fmt.Printf("landmark %3d: not visible\n", i)
			continue
		}
		py, px, v := peak(resp)
		fmt.Printf("landmark %3d: peak %.4f at (%d, %d)\n", i, v, px, py)
	}
}

func splitPaths(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// loadGrayscale reads the image through OpenCV, falling back to the pure Go
// decoders when that fails.
func loadGrayscale(path string) (*imgproc.Plane, error) {
	m := gocv.IMRead(path, gocv.IMReadGrayScale)
	defer m.Close()
	if !m.Empty() {
		data, err := m.DataPtrUint8()
		if err == nil {
			return imgproc.FromBytes(data, m.Cols(), m.Rows())
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	gray := image.NewGray(src.Bounds())
	for y := src.Bounds().Min.Y; y < src.Bounds().Max.Y; y++ {
		for x := src.Bounds().Min.X; x < src.Bounds().Max.X; x++ {
			gray.Set(x, y, src.At(x, y))
		}
	}
	return imgproc.FromGray(gray), nil
}

// loadMeanShape parses one "x y" pair per line into the x-block/y-block
// layout the PDM expects.
func loadMeanShape(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var xs, ys []float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("bad landmark line %q", line)
		}
		x, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, err
		}
		y, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, err
		}
		xs = append(xs, x)
		ys = append(ys, y)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(xs) == 0 {
		return nil, fmt.Errorf("no landmarks in %s", path)
	}
	return append(xs, ys...), nil
}

// peak returns the location and value of the maximum response.
func peak(m *mat.Dense) (y, x int, v float64) {
	rows, cols := m.Dims()
	v = m.At(0, 0)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if m.At(r, c) > v {
				y, x, v = r, c, m.At(r, c)
			}
		}
	}
	return y, x, v
}
